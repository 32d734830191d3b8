package failure

import (
	"net/http"

	"github.com/codeharbor/codeharbor/pkg/log"
)

// Write serializes err as a plain-text HTTP response. Only the kind's fixed
// message reaches the client; the full chain goes to the log.
func Write(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	logger := log.WithComponent("http")
	if kind.Status() >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("kind", kind.String()).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("kind", kind.String()).Msg("request rejected")
	}
	http.Error(w, kind.Message(), kind.Status())
}
