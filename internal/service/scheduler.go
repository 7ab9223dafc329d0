package service

import (
	"golang.org/x/sync/singleflight"

	"github.com/bdbenim/stash-empornium/pkg/icron"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/robfig/cron/v3"
)

// LocalResetter drops an in-process cache tier.
type LocalResetter interface {
	ResetLocal() int
}

type cacheReset struct {
	cache    LocalResetter
	cronExpr string
	cron     *cron.Cron
	group    singleflight.Group
}

func NewCacheReset(cache LocalResetter, cronExpr string, c *cron.Cron) *cacheReset {
	return &cacheReset{cache: cache, cronExpr: cronExpr, cron: c}
}

// Schedule registers the periodic reset. An empty expression disables it.
func (s *cacheReset) Schedule() error {
	if s.cronExpr == "" {
		return nil
	}
	next, err := icron.Schedule(s.cron, s.cronExpr, s.run)
	if err != nil {
		return err
	}
	log.Info("Image cache reset scheduled (%s), next at %s", s.cronExpr, next.Format("2006-01-02 15:04"))
	return nil
}

func (s *cacheReset) run() {
	_, _, _ = s.group.Do("reset", func() (any, error) {
		n := s.cache.ResetLocal()
		log.Info("Reset in-process image cache, dropped %d entries", n)
		return n, nil
	})
}
