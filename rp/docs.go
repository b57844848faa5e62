/*
rp implements the relying-party side of the OpenID Connect authorization code,
implicit and hybrid flows as an ordered protocol pipeline.

Primary types provided by the package:

* Message: the flat key/value OIDC protocol message, parsed from an inbound
request's query string or form body, and serialized into authorization/logout
redirect URLs or auto-submitting form posts.

* Properties: the opaque per-login state bag that is protected (encrypted)
into the "state" parameter at challenge time and recovered at callback time.

* Handler: the orchestrator. Challenge() sends the user to the identity
provider, HandleCallback() processes the authorization response (redeeming
authorization codes and validating id_tokens), SignOut() and
HandleRemoteSignOut() implement RP-initiated and provider-initiated logout.

* Events: a fixed set of hook points invoked around every protocol stage.
Each hook can let a stage continue, take over the response entirely, declare
the request "not for me", or fail the flow.

* ConfigurationManager, TokenValidator, DataProtector, NonceCache and
SessionStore: the boundary collaborators the pipeline consumes. Defaults are
provided for each, but all can be replaced.

The pipeline defends against CSRF with a one-time correlation cookie bound to
the protected state, and against id_token replay with a one-time nonce stored
either in a protected cookie or an external cache.
*/
package rp
