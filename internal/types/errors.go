package types

// Error codes returned by the admin API.
const (
	CodeUnauthorized   = "AUTH_401"
	CodeBadDeviceID    = "DEVICES_400"
	CodeDeviceNotFound = "DEVICES_404"
	CodeStoreFailure   = "DEVICES_500"
	CodeRegistryFailed = "DEVICES_502"
	CodeBusFailed      = "BUS_502"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse wraps code, message and optional details in the API error envelope.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}}
}

// NewErrorResponseFromErr uses err's text as details, or none when err is nil.
func NewErrorResponseFromErr(code, message string, err error) ErrorResponse {
	if err == nil {
		return NewErrorResponse(code, message, nil)
	}
	return NewErrorResponse(code, message, err.Error())
}
