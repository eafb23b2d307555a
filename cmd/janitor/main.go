// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package janitorcmd

import (
	"context"
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/sapcc/drydock/internal/drydock"
	"github.com/sapcc/drydock/internal/tasks"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run the drydock-janitor server component.",
		Long:  "Run the drydock-janitor server component. Configuration is read from environment variables as described in README.md.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := drydock.ParseConfiguration()
	db := must.Return(drydock.InitDB(cfg.DatabaseURL))
	sd := must.Return(drydock.NewStorageDriver(osext.MustGetenv("DRYDOCK_DRIVER_STORAGE"), cfg))

	prometheus.MustRegister(sqlstats.NewStatsCollector("drydock", db.Db))

	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	//start job loops
	janitor := tasks.NewJanitor(cfg, db, sd, drydock.NullSecurityScanNotifier{})
	go janitor.TagReaperJob(nil).Run(ctx)
	go janitor.AbandonedUploadCleanupJob(nil).Run(ctx)
	go janitor.FinishedUploadCleanupJob(nil).Run(ctx)
	go janitor.ManifestSweepJob(nil).Run(ctx)
	go janitor.BlobSweepJob(nil).Run(ctx)
	go janitor.StorageSweepJob(nil).Run(ctx)

	//start HTTP server for Prometheus metrics and health check
	handler := httpapi.Compose(httpapi.HealthCheckAPI{SkipRequestLog: true})
	http.Handle("/", handler)
	http.Handle("/metrics", promhttp.Handler())
	listenAddress := osext.GetenvOrDefault("DRYDOCK_JANITOR_LISTEN_ADDRESS", ":8080")
	must.Succeed(httpext.ListenAndServeContext(ctx, listenAddress, nil))
}
