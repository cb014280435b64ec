package services

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/domain"
	"github.com/betbot/fillsync/internal/metrics"
	"github.com/betbot/fillsync/internal/poscache"
)

var cacheUpdaterLog = logrus.WithField("component", "cache_updater")

// CacheUpdater 把已入账的成交增量应用到仓位缓存
// 只接受账本确认过的成交：重复投递在账本层已被挡掉，
// 缓存层只需要处理「首次入账」的增量
type CacheUpdater struct {
	cache         *poscache.Cache
	reorderWindow time.Duration
}

// NewCacheUpdater 创建缓存更新器
// reorderWindow: 允许的乱序容忍窗口，交易所时间早于缓存水位线
// 超过该窗口的成交会被打上 out_of_order 标记（仓位照常更新，等对账修正）
func NewCacheUpdater(cache *poscache.Cache, reorderWindow time.Duration) *CacheUpdater {
	return &CacheUpdater{cache: cache, reorderWindow: reorderWindow}
}

// ApplyFill 应用一笔新入账的成交
// 同一个键的调用方必须串行（由 KeyRouter 保证），跨键并发安全
func (u *CacheUpdater) ApplyFill(fill *domain.Fill) error {
	return u.cache.Update(fill.AgentID(), fill.Symbol, func(entry *domain.PositionEntry) bool {
		// 乱序检测：交易所时间明显早于该键已见过的最新成交
		if !entry.LastExecTime.IsZero() &&
			fill.ExecTime.Before(entry.LastExecTime.Add(-u.reorderWindow)) {
			entry.OutOfOrder = true
			metrics.OutOfOrder.Add(1)
			cacheUpdaterLog.Warnf("乱序成交 %s: exec_time=%s 早于水位线 %s，已标记等待对账",
				fill.ExecID, fill.ExecTime.Format(time.RFC3339), entry.LastExecTime.Format(time.RFC3339))
		}

		entry.ApplyFill(fill.SignedQty(), fill.Price)
		if fill.ExecTime.After(entry.LastExecTime) {
			entry.LastExecTime = fill.ExecTime
		}
		entry.LastUpdate = time.Now()
		return true
	})
}
