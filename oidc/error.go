package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrNilParameter               = errors.New("nil parameter")
	ErrInvalidCACert              = errors.New("invalid CA certificate")
	ErrInvalidIssuer              = errors.New("invalid issuer")
	ErrIDGeneratorFailed          = errors.New("id generation failed")
	ErrExpiredVerification        = errors.New("authentication verification is expired")
	ErrResponseStateInvalid       = errors.New("oidc response state is invalid")
	ErrMissingIDToken             = errors.New("id_token is missing")
	ErrIDTokenVerificationFailed  = errors.New("id_token verification failed")
	ErrInvalidNonce               = errors.New("invalid nonce")
	ErrInvalidAudience            = errors.New("invalid audience")
	ErrUnsupportedChallengeMethod = errors.New("unsupported challenge method")
	ErrMissingEndSessionEndpoint  = errors.New("provider does not advertise an end_session_endpoint")
	ErrMissingPAREndpoint         = errors.New("provider does not advertise a pushed_authorization_request_endpoint")
	ErrUserInfoFailed             = errors.New("user info failed")
)
