package domain

import "net/http"

// RequestSigner signs outbound requests on behalf of this instance.
type RequestSigner interface {
	SignRequest(req *http.Request, body []byte) error
	KeyID() string
}
