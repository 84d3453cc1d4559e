// Package session implements the authenticated session against the provider.
//
// A Session picks one of three grant flows when it is created:
//
//   - assertion: a signed bearer assertion is exchanged for a token on every
//     construction; nothing is cached
//   - password: the resource-owner password grant
//   - interactive: the authorization code grant, either with a loopback
//     callback listener this process runs itself (local mode) or with a
//     redirect captured by some other server and handed back through Resume
//     (external mode)
//
// Refresh tokens obtained by the password and interactive flows are kept in a
// tokenstore.Store keyed by username. A new Session with a cached refresh token
// refreshes immediately instead of running a flow.
//
// When the provider rejects a refresh token, sessions that can run a flow
// without a human in the loop (password, local interactive) do so. Otherwise
// the session ends up in StateReauthRequired and calls fail with a
// *ReauthenticationRequiredError carrying the authorization URL to visit.
//
// Requests made through the session get the access token attached, have the
// "vXX.X" placeholder replaced with the API version and relative paths
// resolved against the instance URL.
package session
