// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pion/igd"
)

type metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	mapped   *prometheus.GaugeVec

	// devices with igdmap_port_mapped series.
	devices map[igd.DeviceID]struct{}
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "igdmap",
			Name:      "events_total",
			Help:      "Port mapping events by kind.",
		}, []string{"kind"}),
		mapped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "igdmap",
			Name:      "port_mapped",
			Help:      "Whether a port is currently mapped on a gateway.",
		}, []string{"device", "protocol", "port"}),
		devices: map[igd.DeviceID]struct{}{},
	}
	m.registry.MustRegister(m.events, m.mapped)

	return m
}

// observe is an igd.EventHandler.
func (m *metrics) observe(e igd.Event) {
	switch e := e.(type) {
	case igd.NewExternalIPEvent:
		m.events.WithLabelValues("new_external_ip").Inc()
	case igd.MappedExternalPortEvent:
		m.events.WithLabelValues("mapped").Inc()
		m.port(e.Device, e.Protocol, e.ExternalPort).Set(1)
	case igd.ErrorMappingPortEvent:
		m.events.WithLabelValues("mapping_error").Inc()
		m.port(e.Device, e.Protocol, e.ExternalPort).Set(0)
	case igd.ErrorEvent:
		m.events.WithLabelValues("error").Inc()
	}
}

func (m *metrics) port(device igd.DeviceID, protocol igd.Protocol, port uint16) prometheus.Gauge {
	m.devices[device] = struct{}{}

	return m.mapped.WithLabelValues(string(device), string(protocol), strconv.Itoa(int(port)))
}

// prune drops the port series of every device not in known.
func (m *metrics) prune(known []igd.DeviceID) {
	keep := make(map[igd.DeviceID]struct{}, len(known))
	for _, id := range known {
		keep[id] = struct{}{}
	}

	for id := range m.devices {
		if _, ok := keep[id]; ok {
			continue
		}
		m.mapped.DeletePartialMatch(prometheus.Labels{"device": string(id)})
		delete(m.devices, id)
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
