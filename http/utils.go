package http

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	gut "github.com/panyam/goutils/utils"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SendJsonResponse writes a JSON response to the http.ResponseWriter.
// If err is nil, resp is marshaled to JSON and written with status 200 OK.
// If err is non-nil, an appropriate HTTP error code is set based on the gRPC
// status code (if present), and an error object is returned in the response body.
func SendJsonResponse(writer http.ResponseWriter, resp any, err error) {
	output := resp
	httpCode := ErrorToHttpCode(err)
	if err != nil {
		if er, ok := status.FromError(err); ok {
			output = gut.StrMap{
				"error":   er.Code().String(),
				"message": er.Message(),
			}
		} else {
			output = gut.StrMap{
				"error": err.Error(),
			}
		}
	}
	jsonResp, err := json.Marshal(output)
	if err != nil {
		log.Println("Error happened in JSON marshal. Err: ", err)
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(httpCode)
	writer.Write(jsonResp)
}

// ErrorToHttpCode converts a Go error to an appropriate HTTP status code.
// If err is nil, returns http.StatusOK (200).
// If err contains a gRPC status, maps it to the corresponding HTTP code:
//   - codes.PermissionDenied → 403 Forbidden
//   - codes.NotFound → 404 Not Found
//   - codes.AlreadyExists → 409 Conflict
//   - codes.InvalidArgument → 400 Bad Request
//   - codes.Unavailable → 503 Service Unavailable
//   - Other errors → 500 Internal Server Error
func ErrorToHttpCode(err error) int {
	httpCode := http.StatusOK
	if err != nil {
		httpCode = http.StatusInternalServerError
		if er, ok := status.FromError(err); ok {
			switch er.Code() {
			case codes.PermissionDenied:
				httpCode = http.StatusForbidden
			case codes.NotFound:
				httpCode = http.StatusNotFound
			case codes.AlreadyExists:
				httpCode = http.StatusConflict
			case codes.InvalidArgument:
				httpCode = http.StatusBadRequest
			case codes.Unavailable:
				httpCode = http.StatusServiceUnavailable
			}
		}
	}
	return httpCode
}

// NormalizeWsUrl converts an HTTP(S) URL to its WebSocket equivalent.
// It performs the following transformations:
//   - Removes trailing slashes
//   - Converts "http:" to "ws:"
//   - Converts "https:" to "wss:"
//
// Example:
//
//	NormalizeWsUrl("https://example.com/ws/") // "wss://example.com/ws"
func NormalizeWsUrl(httpOrWsUrl string) string {
	httpOrWsUrl = strings.TrimSuffix(httpOrWsUrl, "/")
	if strings.HasPrefix(httpOrWsUrl, "http:") {
		httpOrWsUrl = "ws:" + httpOrWsUrl[len("http:"):]
	}
	if strings.HasPrefix(httpOrWsUrl, "https:") {
		httpOrWsUrl = "wss:" + httpOrWsUrl[len("https:"):]
	}
	return httpOrWsUrl
}
