/*

Package mesh implements a single-host, multi-process-shaped actor cluster
runtime: a fixed number of workers, each hosting an independent actor
system, cooperating so that an application can address any actor by a
logical path and have a message routed to whichever worker currently
owns that actor.

Four pieces do the work:

  - Ring: a deterministic consistent-hash function from actor path to
    owning worker id.
  - Directory: a shared path -> worker id table, written on a path's
    first reference (claim-on-first-reference); a later Register for the
    same path overwrites the entry, which Node only does with a
    different owner when Spawn is called with override.
  - Transport: a full mesh of length-prefixed framed Unix-domain-socket
    connections between workers, with a buffered per-connection read
    loop.
  - Node: the per-worker facade that ties Ring, Directory and Transport
    together to decide, for any send, whether to deliver locally or hand
    a frame to Transport.

Bootstrap sequences the startup of a whole mesh: it creates the shared
Directory, starts one worker per configured id, and drives each worker
through bind -> barrier -> connect -> start -> run.

This package deliberately does not implement the actor system itself
(mailboxes, scheduling of user actor behaviors) or serialization of user
payloads; those are external collaborators described by the Serializer
and actor-system interfaces. A reference actor system, used by this
package's own tests and by cmd/meshdemo, lives in the sibling actorlite
package.

*/
package mesh
