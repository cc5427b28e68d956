package store

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Record 一行数据，列名到值
type Record map[string]interface{}

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return cast.ToString(v)
}

// StringPtr 空值返回 nil
func (r Record) StringPtr(key string) *string {
	s := r.String(key)
	if s == "" {
		return nil
	}
	return &s
}

func (r Record) Bool(key string) bool {
	return cast.ToBool(r[key])
}

// Time sqlite 会把时间读成字符串，统一交给 cast 解析
func (r Record) Time(key string) time.Time {
	v, ok := r[key]
	if !ok || v == nil {
		return time.Time{}
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r Record) TimePtr(key string) *time.Time {
	t := r.Time(key)
	if t.IsZero() {
		return nil
	}
	return &t
}

// List 逗号分隔的列
func (r Record) List(key string) []string {
	var out []string
	for _, p := range strings.Split(r.String(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
