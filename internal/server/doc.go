// Package server exposes the build check over HTTP and accepts GitHub push
// webhooks for the installer repository.
//
// Routes:
//   - GET  /health            liveness and history backend
//   - GET  /builds/<branch>   whether an OVA exists for the current commits
//   - GET  /history           every recorded build attempt
//   - POST /in/installer      push webhook, starts a build in the background
//
// Webhooks are HMAC-SHA256 verified and limited to 1MB. Requests are rate
// limited per client IP, with a stricter limit on the webhook.
package server
