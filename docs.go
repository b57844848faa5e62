// oidcrp provides packages for building OpenID Connect relying parties:
// protocol message handling, one-time correlation/nonce protection,
// authorization-code redemption, id_token validation and local session
// establishment.
//
// See README.md
package oidcrp
