package errors

import "net/http"

// 业务错误码
const (
	CodeInvalidArgument     = 40001
	CodeForbidden           = 40301
	CodeNotFound            = 40401
	CodeAlreadyClaimed      = 40901
	CodeAlreadyAcknowledged = 40902
	CodeVolunteerBusy       = 40903
	CodeIllegalTransition   = 40904
	CodeStorageDegraded     = 50301
	CodeGatewayUnavailable  = 50302
)

// 可与 errors.Is 比较的哨兵错误
var (
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrForbidden           = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyClaimed      = &Error{Code: CodeAlreadyClaimed, Message: "request already claimed"}
	ErrAlreadyAcknowledged = &Error{Code: CodeAlreadyAcknowledged, Message: "alert already acknowledged"}
	ErrVolunteerBusy       = &Error{Code: CodeVolunteerBusy, Message: "volunteer busy"}
	ErrIllegalTransition   = &Error{Code: CodeIllegalTransition, Message: "illegal transition"}
	ErrStorageDegraded     = &Error{Code: CodeStorageDegraded, Message: "storage degraded"}
	ErrGatewayUnavailable  = &Error{Code: CodeGatewayUnavailable, Message: "gateway unavailable"}
)

// CodeName 错误码的短名，用于推送给客户端的 rejection
func CodeName(code int) string {
	switch code {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeForbidden:
		return "Forbidden"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyClaimed:
		return "AlreadyClaimed"
	case CodeAlreadyAcknowledged:
		return "AlreadyAcknowledged"
	case CodeVolunteerBusy:
		return "VolunteerBusy"
	case CodeIllegalTransition:
		return "IllegalTransition"
	case CodeStorageDegraded:
		return "StorageDegraded"
	case CodeGatewayUnavailable:
		return "GatewayUnavailable"
	}
	return "Internal"
}

// HTTPStatus 错误码到 HTTP 状态码
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case 0:
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyClaimed, CodeAlreadyAcknowledged, CodeVolunteerBusy, CodeIllegalTransition:
		return http.StatusConflict
	case CodeStorageDegraded, CodeGatewayUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
