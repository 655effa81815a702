package cli

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsherman999/livefeed/internal/config"
	"github.com/jsherman999/livefeed/internal/db"
	"github.com/jsherman999/livefeed/internal/exporter"
	"github.com/jsherman999/livefeed/internal/store"
)

func exportCmd(g *globals) *cobra.Command {
	var format, uri, outPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the resource inventory or one resource's change log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			var (
				b   []byte
				err error
			)
			cfg, cfgErr := config.Load(g.cfgPath)
			if g.server == "" && cfgErr == nil && cfg.DB.DSN != "" {
				// read the database directly, as the daemon does
				dbConn, err := db.Open(ctx, cfg.DB.DSN)
				if err != nil {
					return err
				}
				defer dbConn.Close()
				b, _, err = exporter.Export(ctx, store.NewPostgres(dbConn), format, uri, limit)
				if err != nil {
					return err
				}
			} else {
				q := url.Values{"format": {format}, "limit": {strconv.Itoa(limit)}}
				if uri != "" {
					q.Set("uri", resourcePath(uri))
				}
				resp, err := g.do(ctx, http.MethodGet, "/export?"+q.Encode(), nil, nil)
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				if err := expect(resp, http.StatusOK); err != nil {
					return err
				}
				if b, err = io.ReadAll(resp.Body); err != nil {
					return err
				}
			}

			if outPath == "" || outPath == "-" {
				_, err = os.Stdout.Write(b)
				return err
			}
			return os.WriteFile(outPath, b, 0644)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format: json|csv|changes")
	cmd.Flags().StringVar(&uri, "uri", "", "resource for the changes format")
	cmd.Flags().StringVar(&outPath, "out", "-", "output path (or - for stdout)")
	cmd.Flags().IntVar(&limit, "limit", 10000, "max resources")
	return cmd
}
