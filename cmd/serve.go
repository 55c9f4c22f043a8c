package cmd

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spachava753/vidpixie/internal/logging"
	"github.com/spachava753/vidpixie/internal/server"
	"github.com/spachava753/vidpixie/internal/signaling"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the relay server",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("bind", "b", ":8080", "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	serveCmd.Flags().Duration("heartbeat-interval", 30*time.Second, "How often liveness probes are sent (0 disables)")
	viper.BindPFlag("server.heartbeatInterval", serveCmd.Flags().Lookup("heartbeat-interval"))
	serveCmd.Flags().Duration("idle-timeout", 60*time.Second, "How long a silent connection survives before termination (0 disables)")
	viper.BindPFlag("server.idleTimeout", serveCmd.Flags().Lookup("idle-timeout"))
	serveCmd.Flags().Duration("status-interval", 30*time.Second, "How often a roster summary is logged (0 disables)")
	viper.BindPFlag("server.statusInterval", serveCmd.Flags().Lookup("status-interval"))
}

func runServe(cmd *cobra.Command, args []string) {
	log := logging.New(viper.GetString("log.level"))

	hub := signaling.NewHub(log, signaling.Options{
		HeartbeatInterval: viper.GetDuration("server.heartbeatInterval"),
		IdleTimeout:       viper.GetDuration("server.idleTimeout"),
		StatusInterval:    viper.GetDuration("server.statusInterval"),
	})
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler)
	mux.HandleFunc("/ws", server.ServeWs(hub, log))

	bind := viper.GetString("server.bind")
	log.WithField("addr", bind).Info("Starting relay server")
	log.Fatal(http.ListenAndServe(bind, mux))
}
