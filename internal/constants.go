package internal

const (
	// QueryParamToken is the query parameter checked first for a bearer credential.
	QueryParamToken = "token"

	// HeaderAuthorization carries "Bearer <token>" style credentials.
	HeaderAuthorization = "Authorization"
	BearerPrefix        = "Bearer "

	// SubprotocolBearer is the websocket subprotocol the gateway answers with
	// when the credential rides in the subprotocol list. Clients offer
	// "bearer" together with "bearer.token.<credential>".
	SubprotocolBearer      = "bearer"
	SubprotocolTokenPrefix = "bearer.token."
)
