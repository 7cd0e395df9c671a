// Package auth verifies connection credentials for the WebSocket endpoint.
// Two TokenVerifier implementations: HS256 JWTs for multi-client setups,
// and a single bcrypt-hashed static token for single-user deployments.
package auth
