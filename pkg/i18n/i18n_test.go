package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	tr, err := NewI18nSupport("en")
	require.NoError(t, err)

	data := map[string]interface{}{"Senior": "Mary", "Message": "fell down"}
	assert.Equal(t, "Mary needs urgent help: fell down", tr.T("en", "sos.new.body", data))
	assert.Equal(t, "Mary 需要紧急帮助：fell down", tr.T("zh", "sos.new.body", data))

	// 未知语言回退到默认语言
	assert.Equal(t, "SOS alert", tr.T("fr", "sos.new.title", nil))
	assert.Equal(t, "no.such.key", tr.TWithDefaultLang("no.such.key", nil))
}

func TestNilSupportReturnsKey(t *testing.T) {
	var tr *I18nSupport
	assert.Equal(t, "sos.new.title", tr.T("en", "sos.new.title", nil))
}
