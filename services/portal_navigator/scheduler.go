package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// SessionScheduler submits work on cron schedules.
type SessionScheduler struct {
	service *NavigatorService
	cron    *cron.Cron
	entries map[string]cron.EntryID
	mutex   sync.Mutex
}

func NewSessionScheduler(service *NavigatorService) *SessionScheduler {
	return &SessionScheduler{
		service: service,
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers work under name, replacing any earlier schedule with
// the same name. Every trigger submits a fresh session; the work id gets the
// trigger time appended so runs stay distinguishable.
func (s *SessionScheduler) Schedule(name, cronExpr string, work nav.WorkUnit) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entryID, exists := s.entries[name]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}

	job := func() {
		w := scheduledWork(name, work, time.Now())
		log.Printf("⏰ [NAV-SCHEDULER] Triggering %s: work=%s", name, w.ID)
		if _, err := s.service.Submit(w, "schedule:"+name); err != nil {
			log.Printf("❌ [NAV-SCHEDULER] %s: %v", name, err)
		}
	}

	entryID, err := s.cron.AddFunc(cronExpr, job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.entries[name] = entryID
	log.Printf("✅ [NAV-SCHEDULER] Scheduled %s with cron: %s", name, cronExpr)
	return nil
}

func (s *SessionScheduler) Unschedule(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if entryID, exists := s.entries[name]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

func (s *SessionScheduler) Start() { s.cron.Start() }

func (s *SessionScheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Printf("✅ [NAV-SCHEDULER] Scheduler stopped")
}

func scheduledWork(name string, work nav.WorkUnit, at time.Time) nav.WorkUnit {
	w := nav.WorkUnit{Kind: work.Kind, Fields: make(map[string]string, len(work.Fields))}
	for k, v := range work.Fields {
		w.Fields[k] = v
	}
	base := work.ID
	if base == "" {
		base = name
	}
	w.ID = base + "-" + at.UTC().Format("20060102T150405")
	if w.Kind == "" {
		w.Kind = "scheduled"
	}
	return w
}
