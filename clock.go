package coral

import "time"

// Clock is an injectable now provider. The default is the wall clock;
// tests substitute a controlled clock to exercise pin expiry and
// sync-staleness thresholds deterministically.
type Clock func() time.Time

func systemClock() time.Time { return time.Now() }
