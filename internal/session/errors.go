// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/event"
	"github.com/an-anime-team/wineyard/internal/fetch"
	"github.com/an-anime-team/wineyard/internal/resolver"
	"github.com/an-anime-team/wineyard/internal/runtime"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

// KindCancelled classifies a run stopped by cancellation.
const KindCancelled = "cancelled"

var (
	// ErrNotPending is returned by Run on a session that already ran.
	ErrNotPending = errors.New("session is not pending")
	// ErrNotFinished is returned by Reset on a running session.
	ErrNotFinished = errors.New("session is still running")
)

// Classify returns the "<family>/<kind>" name of a failure, as carried by
// PackageFailed events.
func Classify(err error) string {
	var (
		me *manifest.ManifestError
		fe *format.Error
		xe *fetch.Error
		ie *acquire.IntegrityError
		re *resolver.ResolutionError
		te *runtime.RuntimeError
		se *event.SubscriberError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return "resolution/" + string(re.Kind)
	case errors.As(err, &te):
		return "runtime/" + string(te.Kind)
	case errors.As(err, &ie):
		return "integrity/" + ie.Kind()
	case errors.As(err, &me):
		return "manifest/" + string(me.Kind)
	case errors.As(err, &fe):
		return "format/" + string(fe.Kind)
	case errors.As(err, &xe):
		return "fetch/" + xe.Kind.String()
	case errors.As(err, &se):
		return "subscriber/" + se.Kind()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return "internal"
	}
}
