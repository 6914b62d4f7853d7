/*
Package api holds the wire types of the admin node HTTP API and helpers shared
by its handlers and Go clients.

The API is split by concern:

  - keyhandler: hardware-bound key lifecycle (issue, rotate, revoke, cleanup, queries)
  - transferhandler: model upload into the block store and transfer sessions
  - unsealhandler: Shamir unseal of the keystore master key by administrators

Domain errors are mapped to status codes by StatusForError:

	ErrKeyNotFound, ErrSessionNotFound, ErrContentNotFound    404
	ErrKeyRevoked, ErrKeyExpired, ErrInvalidKeyState          409
	ErrHardwareMismatch                                       403
	ErrIntegrityCheckFailed, ErrAuthenticationFailed          422
	ErrKeystoreSealed, ErrBackendUnavailable                  503

Server configuration lives in HTTPServerConfig.
*/
package api
