// Package quota counts per-backend and per-tenant usage: requests and
// tokens per minute for each backend, requests per minute and rolling daily
// spend for each tenant.
//
// Backend request quotas use a token bucket from golang.org/x/time/rate;
// token, tenant rate and spend counters use sliding windows. A Tracker
// satisfies routing.QuotaView and policy.RateSource and answers both from
// memory. With a SharedStore such as RedisStore, writes also go to a
// shared fixed-window counter and reads take the larger of the local and
// last-seen shared totals, so several instances enforce one quota.
package quota
