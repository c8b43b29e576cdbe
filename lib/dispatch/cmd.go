// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xflops/flame/lib/cloud"
	"github.com/xflops/flame/lib/cmd"
	"github.com/xflops/flame/lib/service"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
)

// Command starts the session manager service.
var Command cmd.Handler = service.Command("session-manager", newHandler)

func newHandler(ctx context.Context, cluster *flame.Cluster, reg *prometheus.Registry) service.Handler {
	podSetID := cloud.PodSetID(cluster.ClusterID)
	podSet, err := newPodSet(cluster, podSetID, ctxlog.FromContext(ctx))
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("%w: initializing driver: %v", flame.ErrResourceManager, err))
	}
	d := &dispatcher{
		Cluster:  cluster,
		Context:  ctx,
		Registry: reg,
		PodSet:   podSet,
		PodSetID: podSetID,
	}
	d.Start()
	return d
}
