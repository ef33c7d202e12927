// Package oidc implements the relying-party side of the OpenID Connect
// authorization code flow: building authorization URLs (with nonce, PKCE and
// optional pushed authorization requests), exchanging authorization codes for
// tokens, verifying id_tokens, and resolving provider logout endpoints.
//
// The package is transport-agnostic; the server package wires it to HTTP
// handlers and cookies.
//
// Primary types:
//
//   - Config: relying-party configuration (client id/secret, issuer, scopes,
//     audiences, redirect URL).
//   - Provider: a configured relying party with lazily discovered, cached
//     provider metadata.
//   - AuthVerification: the transient state/nonce/PKCE record for one login
//     attempt.
//
// EncodeState/DecodeState implement the opaque application state token
// carried through the authorization round trip.
package oidc
