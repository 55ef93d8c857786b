package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vnetlab/vnet-sim/config"
	"github.com/vnetlab/vnet-sim/layers/network"
	"github.com/vnetlab/vnet-sim/pkg/clock"
	"github.com/vnetlab/vnet-sim/topology"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type (
	runConfig struct {
		topology.Config `yaml:",inline"`

		MetricsAddress string       `yaml:"metricsAddress"`
		Pings          []pingConfig `yaml:"pings"`
	}

	pingConfig struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
		TTL  uint8  `yaml:"ttl"`
	}
)

var oneshot bool

var runCmd = &cobra.Command{
	Use:   "run <topology-yaml-file>",
	Short: "Run a virtual internetwork from a topology file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var conf runConfig
		if err := config.ReadYAML(args[0], &conf); err != nil {
			return err
		}

		topo, err := topology.Build(conf.Config, clock.Real)
		if err != nil {
			return err
		}
		defer topo.Close()

		if conf.MetricsAddress != "" {
			go func() {
				http.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(conf.MetricsAddress, nil); err != nil {
					logrus.WithError(err).Error("error serving metrics")
				}
			}()
		}

		for _, ping := range conf.Pings {
			if err := runPing(topo, ping); err != nil {
				return err
			}
		}
		if oneshot {
			return nil
		}

		// run until interrupted
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()
		return nil
	},
}

func runPing(topo *topology.Topology, conf pingConfig) error {
	host := topo.Host(conf.From)
	if host == nil {
		return fmt.Errorf("ping source host does not exist: %s", conf.From)
	}
	dst := net.ParseIP(conf.To)
	if dst == nil {
		return fmt.Errorf("invalid IPv4 format: %s", conf.To)
	}
	ttl := conf.TTL
	if ttl == 0 {
		ttl = network.DefaultTTL
	}

	l := logrus.
		WithField("from", conf.From).
		WithField("to", conf.To)
	result, err := host.Ping(dst, ttl)
	if err != nil {
		l.WithError(err).Error("ping failed")
		return nil
	}
	if !result.IsEchoReply() {
		l.
			WithField("icmp_type_code", result.TypeCode.String()).
			WithField("icmp_from", result.From.String()).
			Warn("ping answered with icmp error")
		return nil
	}
	l.WithField("remaining_ttl", result.TTL).Info("ping reply received")
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&oneshot, "oneshot", false, "exit after running the configured pings")
	rootCmd.AddCommand(runCmd)
}
