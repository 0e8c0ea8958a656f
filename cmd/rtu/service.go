package main

import (
	"fmt"

	"github.com/gridworks/scada/internal/config"
	"github.com/gridworks/scada/internal/rtu"
)

// buildService resolves the node entry and wires the RTU service with the
// write allow-list (the Master plus the peer nodes).
func buildService(cfg *config.Config, nodeID string) (*rtu.Service, error) {
	for _, n := range cfg.Nodes {
		if n.NodeID != nodeID {
			continue
		}
		svc := rtu.NewService(n.Descriptor(), cfg.SamplingInterval())

		allowed := []string{cfg.Master.MasterIP}
		for _, e := range cfg.AllowList {
			allowed = append(allowed, e.ClientIP)
		}
		svc.SetAllowedIPs(allowed)
		return svc, nil
	}
	return nil, fmt.Errorf("node %s not in catalogue", nodeID)
}
