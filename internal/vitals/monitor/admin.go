package monitor

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/security"
	"github.com/banshee-data/pulse.report/internal/vitals/storage/sqlite"
)

// AttachAdminRoutes mounts the tsweb debug index on mux, with links to the
// vitals pages and, when store is non-nil, a tailsql browser and a backup
// download over the vitals database.
func AttachAdminRoutes(mux *http.ServeMux, store *sqlite.Store) {
	debug := tsweb.Debugger(mux)
	debug.URL("/vitals/chart", "Vitals timeline")
	debug.URL("/vitals/spectrum.png?rate=hr", "Latest heart-rate spectrum")
	debug.URL("/vitals/spectrum.png?rate=br", "Latest breathing-rate spectrum")
	debug.URL("/vitals/movement.png", "Movement history")
	if store == nil {
		return
	}

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Opsf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+filepath.Base(store.Path()), store.DB(), &tailsql.DBOptions{
		Label: "Vitals DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.URL("/api/vitals/digest", "Recent results digest (CSV)")

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-backup-%d.db", security.SanitizeFilename(strings.TrimSuffix(filepath.Base(store.Path()), ".db")), time.Now().Unix()))
		if _, err := store.DB().ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.Remove(backupPath)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, backupPath)
	}))
}
