package response

import (
	"net/http"

	apperrors "CareLink/pkg/errors"

	"github.com/gin-gonic/gin"
)

type Body struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: 0, Message: msg, Data: data})
}

func Created(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusCreated, Body{Code: 0, Message: msg, Data: data})
}

// Fail 参数错误
func Fail(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusBadRequest, Body{Code: apperrors.CodeInvalidArgument, Message: msg, Data: data})
}

// Error 按错误码映射 HTTP 状态
func Error(c *gin.Context, err error) {
	code := apperrors.GetCode(err)
	c.JSON(apperrors.HTTPStatus(err), Body{
		Code:    code,
		Message: apperrors.GetMessage(err),
		Data:    gin.H{"error": apperrors.CodeName(code)},
	})
}
