package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "presencebot_cycles_total",
	Help: "Number of reconciliation cycles by result",
}, []string{"result"})

var cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "presencebot_cycle_duration_seconds",
	Help:    "Duration of a reconciliation cycle",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
})

var roleMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "presencebot_role_mutations_total",
	Help: "Number of add/remove role requests sent to the platform",
}, []string{"op"})

var rolesCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "presencebot_roles_created_total",
	Help: "Number of designated roles created",
})

var communitiesSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "presencebot_communities_skipped_total",
	Help: "Number of communities skipped within a cycle",
})

var membersChecked = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "presencebot_members_checked",
	Help: "Members evaluated during the last cycle",
})
