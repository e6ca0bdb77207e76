// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package rollup

import "github.com/prometheus/client_golang/prometheus"

var (
	_blockMtc = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_block_transitions",
			Help: "Block pipeline transition stats",
		},
		[]string{"phase"},
	)
	_priorityMtc = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_priority_requests",
			Help: "Priority request queue stats",
		},
		[]string{"event"},
	)
	_payoutMtc = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_payouts",
			Help: "Withdrawal payout stats",
		},
		[]string{"result"},
	)
	_rejectionMtc = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_rejections",
			Help: "Rejected transition stats",
		},
		[]string{"reason"},
	)
	_exodusMtc = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anchor_exodus_mode",
			Help: "1 when exodus mode is active",
		},
	)
)

func init() {
	prometheus.MustRegister(_blockMtc)
	prometheus.MustRegister(_priorityMtc)
	prometheus.MustRegister(_payoutMtc)
	prometheus.MustRegister(_rejectionMtc)
	prometheus.MustRegister(_exodusMtc)
}
