// Package metrics: prometheus collectors for the directory and relay servers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	relayJoins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdlink_relay_joins_total",
			Help: "Relay join attempts by outcome",
		},
		[]string{"result"},
	)
	relayPairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rdlink_relay_pairs_total",
			Help: "Relay ids that got both peers",
		},
	)
	relayActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdlink_relay_active_pairs",
			Help: "Pairs currently piping",
		},
	)
	relayBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rdlink_relay_bytes_total",
			Help: "Bytes piped between paired peers",
		},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdlink_directory_registrations_total",
			Help: "Peer registrations by result",
		},
		[]string{"result"},
	)
	onlinePeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdlink_directory_online_peers",
			Help: "Peers with a live rendezvous connection",
		},
	)
	connectRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdlink_directory_connect_requests_total",
			Help: "Connect requests by relay result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(relayJoins, relayPairs, relayActive, relayBytes,
		registrations, onlinePeers, connectRequests)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func RelayJoin(result string) { relayJoins.WithLabelValues(result).Inc() }
func RelayPaired() { relayPairs.Inc() }
func RelayActive(delta float64) { relayActive.Add(delta) }
func RelayBytes(n int64) { relayBytes.Add(float64(n)) }
func Registration(result string) { registrations.WithLabelValues(result).Inc() }
func PeerOnline(delta float64) { onlinePeers.Add(delta) }
func ConnectRequest(result string) { connectRequests.WithLabelValues(result).Inc() }
