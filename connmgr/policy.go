package connmgr

import "github.com/opd-ai/meshnode/mux"

// shouldReplace decides whether incoming displaces existing for the same
// peer. A virtual link never displaces anything and a direct link always
// displaces a virtual one. Between two direct links the incoming one wins
// only when the existing link's endpoint is not private; when both are
// private the existing link is kept.
func shouldReplace(existing, incoming mux.Info) bool {
	switch {
	case incoming.Virtual:
		return false
	case existing.Virtual:
		return true
	default:
		return !existing.RemoteEndPoint.IsPrivate()
	}
}
