/*
Package version resolves component target versions and orders them.

Resolution walks an ordered fallback chain, first success wins:

 1. explicit per-run override
 2. the component's strategy: pinned (exact version from config), range
    (highest remote release satisfying a constraint), latest (newest stable
    remote release), with a TTL cache consulted before any remote call
 3. a cached prior resolution, stale entries accepted, as first fallback
    after a failed remote call
 4. the statically configured fallback version
 5. the manifest's built-in default

Remote sources are GitHub-style releases APIs over HTTPS. A 403/429 answer is
a soft failure: logged, never retried immediately, and resolution falls
through the chain instead of aborting.

Ordering is full semantic-version precedence via hashicorp/go-version, so
"1.0.0-beta.2" < "1.0.0-beta.10" < "1.0.0".
*/
package version
