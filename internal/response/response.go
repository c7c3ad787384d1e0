// Package response builds API Gateway HTTP responses.
package response

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// CORS holds the cross-origin headers attached to every response of an endpoint.
type CORS struct {
	Origin  string
	Headers string
	Methods string
}

// Public allows the site at https://domain to call the endpoint.
func Public(domain string) CORS {
	return CORS{
		Origin:  "https://" + domain,
		Headers: "Content-Type",
		Methods: "GET, POST, OPTIONS",
	}
}

// Admin allows any origin and an Authorization header.
func Admin() CORS {
	return CORS{
		Origin:  "*",
		Headers: "Content-Type, Authorization",
		Methods: "GET, POST, OPTIONS",
	}
}

func (c CORS) headers() map[string]string {
	return map[string]string{
		"Access-Control-Allow-Origin":  c.Origin,
		"Access-Control-Allow-Headers": c.Headers,
		"Access-Control-Allow-Methods": c.Methods,
	}
}

// Message is the body of plain success responses.
type Message struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Error is the body of failure responses.
type Error struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// JSON responds with body encoded as JSON.
func (c CORS) JSON(status int, body any) events.APIGatewayV2HTTPResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"could not encode response"}`)
	}
	h := c.headers()
	h["Content-Type"] = "application/json"
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    h,
		Body:       string(b),
	}
}

// OK responds 200 with a success message.
func (c CORS) OK(msg string) events.APIGatewayV2HTTPResponse {
	return c.JSON(http.StatusOK, Message{Success: true, Message: msg})
}

// Fail responds with an error message.
func (c CORS) Fail(status int, msg string) events.APIGatewayV2HTTPResponse {
	return c.JSON(status, Error{Error: msg})
}

// FailWithDetails responds with an error message and the underlying cause.
func (c CORS) FailWithDetails(status int, msg string, err error) events.APIGatewayV2HTTPResponse {
	e := Error{Error: msg}
	if err != nil {
		e.Details = err.Error()
	}
	return c.JSON(status, e)
}

// Preflight answers an OPTIONS request.
func (c CORS) Preflight() events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Headers:    c.headers(),
	}
}

// IsPreflight reports whether req is a CORS preflight request.
func IsPreflight(req events.APIGatewayV2HTTPRequest) bool {
	return req.RequestContext.HTTP.Method == http.MethodOptions
}

// Redirect responds 302 to location.
func Redirect(location string) events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusFound,
		Headers:    map[string]string{"Location": location},
	}
}

// Header returns the value of a request header regardless of case.
func Header(req events.APIGatewayV2HTTPRequest, name string) string {
	if v, ok := req.Headers[name]; ok {
		return v
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Body returns the raw request body, decoding it when API Gateway delivered it
// base64 encoded.
func Body(req events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}
