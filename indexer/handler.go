package indexer

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/statistics"
	"github.com/SplitFi/go-salesindexer/util"
)

const (
	GetStatusPath            = "/status"
	CollectionsGroupPath     = "/collections"
	GetCollectionVolumesPath = CollectionsGroupPath + "/:slug/volumes"
	GetGlobalVolumesPath     = "/global/volumes"
	MetricsPath              = "/metrics"
)

func handlersInit(router *gin.Engine, states persist.AdapterStateRepository, stats persist.StatisticsRepository, granularity statistics.Granularity) *gin.Engine {
	router.GET("/alive", util.HealthCheckHandler())
	router.GET(GetStatusPath, getStatus(states))
	router.GET(GetCollectionVolumesPath, getCollectionVolumes(stats, granularity))
	router.GET(GetGlobalVolumesPath, getGlobalVolumes(stats, granularity))
	router.GET(MetricsPath, gin.WrapH(promhttp.Handler()))
	return router
}
