package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/intelligrit/jalan-map/internal/config"
	"github.com/intelligrit/jalan-map/internal/feed"
	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/reports"
	"github.com/intelligrit/jalan-map/internal/shell"
	"github.com/intelligrit/jalan-map/internal/surface"
	"github.com/intelligrit/jalan-map/internal/web"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the map client, report API and live map sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("host") {
			serveHost = cfg.Server.Host
		}
		if !cmd.Flags().Changed("port") {
			servePort = cfg.Server.Port
		}
		if cfg.Map.AccessToken == "" {
			log.Warnf("no map access token configured; set map.access_token or %s", config.EnvAccessToken)
		}

		m, err := matcher()
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		broker := feed.NewBroker()
		defer broker.Close()

		g, ctx := errgroup.WithContext(ctx)

		var notifier reports.Notifier = broker
		if cfg.Feed.AMQPURL != "" {
			relay, err := feed.DialAMQP(cfg.Feed.AMQPURL, cfg.Feed.Exchange, broker)
			if err != nil {
				return err
			}
			defer relay.Close()
			notifier = relay
			g.Go(func() error { return relay.Run(ctx) })
			log.WithField("exchange", cfg.Feed.Exchange).Info("relaying inserts over amqp")
		}

		center := model.Point{Lng: cfg.Map.DefaultLng, Lat: cfg.Map.DefaultLat}
		srv := &web.Server{
			Reports:        reports.NewService(s, broker, notifier),
			Addr:           fmt.Sprintf("%s:%d", serveHost, servePort),
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Map: surface.Options{
				AccessToken: cfg.Map.AccessToken,
				StyleURL:    cfg.Map.StyleURL,
				Center:      center,
				Zoom:        cfg.Map.DefaultZoom,
			},
			Session: shell.Options{
				DefaultCenter: center,
				DefaultZoom:   cfg.Map.DefaultZoom,
				Matcher:       m,
			},
			Limiter: web.NewRateLimiter(cfg.Server.SubmitRate, cfg.Server.SubmitBurst),
		}
		g.Go(func() error { return srv.Run(ctx) })

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "Host to listen on")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
	rootCmd.AddCommand(serveCmd)
}
