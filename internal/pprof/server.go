// SPDX-License-Identifier: AGPL-3.0-or-later
// voicerelay - a real-time UDP voice relay for multi-user voice channels
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package pprof

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/voicerelay/voicerelay/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const readTimeout = 3 * time.Second

// CreatePProfServer starts the debug/profiling HTTP server in the
// background. It returns nil immediately if pprof is disabled, and returns
// an error immediately if the listen address can't be bound.
func CreatePProfServer(config *config.Config) error {
	if !config.PProf.Enabled {
		return nil
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	if config.Metrics.OTLPEndpoint != "" {
		r.Use(otelgin.Middleware("pprof"))
	}

	if err := r.SetTrustedProxies(config.PProf.TrustedProxies); err != nil {
		slog.Error("failed setting trusted proxies", "error", err)
	}

	pprof.Register(r)

	addr := fmt.Sprintf("%s:%d", config.PProf.Bind, config.PProf.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof server to %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: readTimeout,
	}

	slog.Info("pprof server listening", "address", addr)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("pprof server exited", "error", err)
		}
	}()

	return nil
}
