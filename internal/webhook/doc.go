// Package webhook receives build-tool notifications over HTTP.
//
// A build tool that has just written class files posts the unit and the
// changed paths. The request is authenticated with an HMAC-SHA256 signature
// over the raw body using a pre-shared secret, and accepted requests become
// mergeable rescan commands on the scheduler.
//
// # Security Model
//
// - Signatures compared with crypto/subtle (constant time)
// - Body size capped before verification
// - Failures always answer a generic 403
// - Request bodies are never logged
//
// # Configuration
//
//	webhooks:
//	  enabled: true
//	  path: /hooks/build
//	  secret: ${HOTPATCH_WEBHOOK_SECRET}
//	  signature_header: X-Hotpatch-Signature
//	  max_body_size: 1MB
//
// # Request Flow
//
//  1. POST arrives at the configured path
//  2. Body size checked (413 if too large)
//  3. Signature verified (403 on mismatch)
//  4. Body decoded as {"unit": "...", "paths": [...]} (400 if malformed)
//  5. Rescan command submitted, 202 Accepted returned with its key
package webhook
