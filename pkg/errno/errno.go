package errno

import "errors"

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// WithMessage 返回带有自定义信息的副本, Code 不变
func (e Errno) WithMessage(msg string) Errno {
	return Errno{Code: e.Code, Message: msg}
}

// Is 按 Code 比较, 使 WithMessage 出来的副本也能被 errors.Is 识别
func (e Errno) Is(target error) bool {
	var t Errno
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var e Errno
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	var pe *Errno
	if errors.As(err, &pe) {
		return pe.Code, pe.Message
	}
	return InternalServerError.Code, err.Error()
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
)

// Business Errors (20000+)
var (
	ErrInvalidUserID     = Errno{Code: 20101, Message: "Invalid user id"}
	ErrWalletUnavailable = Errno{Code: 20102, Message: "Wallet engine is shutting down"}
	ErrRequestCancelled  = Errno{Code: 20103, Message: "Request cancelled or timed out"}
	ErrMaterialRequired  = Errno{Code: 20201, Message: "Material name is required"}
)
