package domain

type CtxKey string

const (
	KeyClientID  CtxKey = "ClientID"
	KeyRequestID CtxKey = "RequestID"
)
