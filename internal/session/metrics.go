package session

import (
	"agency-portal-backend/internal/domain"
	"agency-portal-backend/pkg/apperror"
)

// Metrics receives synchronizer counters. pkg/metrics.Collector implements it.
type Metrics interface {
	EventObserved(kind domain.EventKind)
	StaleBuildDiscarded()
	ProfileFetchFailed()
	ActionFailed(action string, kind apperror.Kind)
}

type nopMetrics struct{}

func (nopMetrics) EventObserved(domain.EventKind)     {}
func (nopMetrics) StaleBuildDiscarded()               {}
func (nopMetrics) ProfileFetchFailed()                {}
func (nopMetrics) ActionFailed(string, apperror.Kind) {}

type nopNavigator struct{}

func (nopNavigator) Navigate(string) {}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Notification) {}
