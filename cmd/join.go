package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spachava753/vidpixie/internal/config"
	"github.com/spachava753/vidpixie/internal/logging"
	"github.com/spachava753/vidpixie/internal/player"
	"github.com/spachava753/vidpixie/internal/supervisor"
)

var joinOpts struct {
	room     string
	noMesh   bool
	duration float64
	config.Options
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Joins a watch-party room as a headless participant",
	Long: `Join connects to the relay server, enters the given room, and mirrors the
room's playback events against a simulated player. Playback can be driven from
stdin with: play, pause, seek <seconds>, state, status, quit.`,
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&joinOpts.room, "room", "r", "", "room code to join (required)")
	joinCmd.MarkFlagRequired("room")
	joinCmd.Flags().StringVarP(&joinOpts.ServerURL, "server", "s", "", "relay server websocket URL")
	joinCmd.Flags().StringVar(&joinOpts.STUNServer, "stun", "", "STUN server for the peer-to-peer mesh")
	joinCmd.Flags().StringVar(&joinOpts.TURNServer, "turn", "", "TURN server for the peer-to-peer mesh")
	joinCmd.Flags().StringVar(&joinOpts.TURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&joinOpts.TURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVar(&joinOpts.noMesh, "no-mesh", false, "disable the peer-to-peer path; relay only")
	joinCmd.Flags().BoolVar(&joinOpts.BroadcastStateResponses, "broadcast-state", false, "broadcast state responses to the whole room instead of answering the requester only")
	joinCmd.Flags().Float64Var(&joinOpts.duration, "duration", 0, "simulated media duration in seconds (0 for unbounded)")
}

func runJoin(cmd *cobra.Command, args []string) error {
	log := logging.New(viper.GetString("log.level"))

	cfg, err := config.Load(joinOpts.Options)
	if err != nil {
		return err
	}

	pl := player.New(log, joinOpts.duration)
	sup := supervisor.New(log, cfg, pl, supervisor.Options{
		EnableMesh: !joinOpts.noMesh,
	})

	if err := sup.Connect(cfg.ServerURL); err != nil {
		return err
	}
	if err := sup.JoinRoom(joinOpts.room); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		sup.Disconnect()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "play":
			if err := sup.SendEvent(pl.Play()); err != nil {
				log.WithError(err).Warn("Send failed")
			}
		case "pause":
			if err := sup.SendEvent(pl.Pause()); err != nil {
				log.WithError(err).Warn("Send failed")
			}
		case "seek":
			if len(fields) < 2 {
				fmt.Println("usage: seek <seconds>")
				continue
			}
			position, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				fmt.Println("usage: seek <seconds>")
				continue
			}
			if err := sup.SendEvent(pl.Seek(position)); err != nil {
				log.WithError(err).Warn("Send failed")
			}
		case "state":
			if err := sup.RequestState(); err != nil {
				log.WithError(err).Warn("State request failed")
			}
		case "status":
			mode := "playing"
			if pl.Paused() {
				mode = "paused"
			}
			fmt.Printf("client=%s room=%s %s at %.1fs\n",
				sup.ClientID(), sup.RoomID(), mode, pl.CurrentTime())
		case "quit", "exit":
			sup.Disconnect()
			return nil
		default:
			fmt.Println("commands: play, pause, seek <seconds>, state, status, quit")
		}
	}

	sup.Disconnect()
	return scanner.Err()
}
