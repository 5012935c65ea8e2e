package quota

import (
	"testing"
	"time"

	"github.com/j-veylop/antigravity-pool/internal/models"
)

func ptr(t time.Time) *time.Time { return &t }

func TestDetectSubscriptionTier(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		resetTime *time.Time
		want      SubscriptionTier
	}{
		{"Nil", nil, TierUnknown},
		{"ZeroTime", ptr(time.Time{}), TierUnknown},
		{"PastWithinHour", ptr(now.Add(-30 * time.Minute)), TierPro},
		{"PastLongAgo", ptr(now.Add(-2 * time.Hour)), TierUnknown},
		{"FutureHourly", ptr(now.Add(1 * time.Hour)), TierPro},
		{"FutureDaily", ptr(now.Add(7 * time.Hour)), TierFree},
		{"FutureThreshold", ptr(now.Add(6 * time.Hour)), TierPro},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectSubscriptionTier(tt.resetTime, now); got != tt.want {
				t.Errorf("detectSubscriptionTier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetTierFromQuotas(t *testing.T) {
	now := time.Now()
	hourly := ptr(now.Add(time.Hour))
	daily := ptr(now.Add(20 * time.Hour))

	tests := []struct {
		name   string
		quotas map[string]models.ModelQuota
		want   SubscriptionTier
	}{
		{"Empty", nil, TierUnknown},
		{"SinglePro", map[string]models.ModelQuota{"a": {ResetTime: hourly}}, TierPro},
		{"SingleFree", map[string]models.ModelQuota{"a": {ResetTime: daily}}, TierFree},
		{"MixedProFree", map[string]models.ModelQuota{"a": {ResetTime: daily}, "b": {ResetTime: hourly}}, TierPro},
		{"OnlyUnknown", map[string]models.ModelQuota{"a": {}}, TierUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetTierFromQuotas(tt.quotas, now); got != tt.want {
				t.Errorf("GetTierFromQuotas() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeUntilReset(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		resetTime time.Time
		wantZero  bool
	}{
		{"Zero", time.Time{}, true},
		{"Past", now.Add(-1 * time.Hour), true},
		{"Future", now.Add(1 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TimeUntilReset(tt.resetTime)
			if tt.wantZero && got != 0 {
				t.Errorf("TimeUntilReset() = %v, want 0", got)
			}
			if !tt.wantZero && got <= 0 {
				t.Errorf("TimeUntilReset() = %v, want > 0", got)
			}
		})
	}
}

func TestFormatResetTime(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		resetTime time.Time
		want      string
	}{
		{"Zero", time.Time{}, "Unknown"},
		{"Past", now.Add(-1 * time.Hour), "Now"},
		{"UnderMinute", now.Add(30 * time.Second), "< 1m"},
		// Extra seconds absorb the time elapsed before formatting.
		{"Minutes", now.Add(10*time.Minute + 30*time.Second), "10m"},
		{"Hours", now.Add(2*time.Hour + 30*time.Second), "2h"},
		{"HoursAndMinutes", now.Add(2*time.Hour + 30*time.Minute + 30*time.Second), "2h30m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatResetTime(tt.resetTime); got != tt.want {
				t.Errorf("FormatResetTime() = %v, want %v", got, tt.want)
			}
		})
	}
}
