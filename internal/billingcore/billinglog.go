package billingcore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/backend/internal/meterclient"
	"github.com/ocx/backend/internal/objectstore"
)

// billingLogPath returns the durable path for an organization's month-keyed
// billing log (spec.md §4.8).
func billingLogPath(orgID string) string {
	return fmt.Sprintf("logs://%s_billingLog.json", orgID)
}

func decodeBillingLog(raw []byte) (BillingLog, error) {
	if len(raw) == 0 {
		return BillingLog{Months: map[string]BillingMonth{}}, nil
	}
	var log BillingLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return BillingLog{}, err
	}
	if log.Months == nil {
		log.Months = map[string]BillingMonth{}
	}
	return log, nil
}

func encodeBillingLog(log BillingLog) ([]byte, error) {
	return json.Marshal(log)
}

// monthKey returns the UTC "YYYY-MM" key for now.
func monthKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// RecordPaygUsage updates the month-keyed billing counters for a
// pay-as-you-go organization and fires a Stripe meter event the first
// time an app or user is seen within a given month (spec.md §4.8). It is
// only ever called for organizations with IsPayg() true.
func RecordPaygUsage(
	ctx context.Context,
	store objectstore.Store,
	meter meterclient.Client,
	org *Organization,
	app *App,
	gitEmail string,
	now time.Time,
) error {
	month := monthKey(now)
	nowMs := NowMs(now)
	normEmail := Normalize(gitEmail)
	appKey := AppKey(app.ID, app.Publisher)

	_, err := objectstore.OptimisticUpdate(
		ctx, store, billingLogPath(org.ID),
		decodeBillingLog, encodeBillingLog, BillingLog{Months: map[string]BillingMonth{}},
		func(log BillingLog) (BillingLog, error) {
			bm, ok := log.Months[month]
			if !ok {
				bm = BillingMonth{Apps: map[string]AppUsage{}, Users: map[string]UserUsage{}}
			}
			if bm.Apps == nil {
				bm.Apps = map[string]AppUsage{}
			}
			if bm.Users == nil {
				bm.Users = map[string]UserUsage{}
			}

			if au, seen := bm.Apps[appKey]; !seen {
				bm.Apps[appKey] = AppUsage{ID: app.ID, Publisher: app.Publisher, FirstSeen: nowMs, Count: 1}
				meter.SendMeterEvent(meterclient.MeterEvent{
					EventName:      meterclient.EventNamePaygApp,
					StripeCustomer: org.StripeCustomerID,
					IdempotencyKey: fmt.Sprintf("%s_%s_app_%s", org.ID, month, appKey),
					TimestampUnix:  now.Unix(),
				})
			} else {
				au.Count++
				bm.Apps[appKey] = au
			}

			if normEmail != "" {
				if uu, seen := bm.Users[normEmail]; !seen {
					bm.Users[normEmail] = UserUsage{Email: normEmail, FirstSeen: nowMs, Count: 1}
					meter.SendMeterEvent(meterclient.MeterEvent{
						EventName:      meterclient.EventNamePaygUser,
						StripeCustomer: org.StripeCustomerID,
						IdempotencyKey: fmt.Sprintf("%s_%s_user_%s", org.ID, month, normEmail),
						TimestampUnix:  now.Unix(),
					})
				} else {
					uu.Count++
					bm.Users[normEmail] = uu
				}
			}

			log.Months[month] = bm
			return log, nil
		},
	)
	return err
}
