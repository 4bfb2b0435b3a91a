package job

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewIDFormat(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewID(now)

	matched := regexp.MustCompile(`^job_20250314092653_[0-9a-f]{32}$`).MatchString(id)
	assert.True(t, matched, "unexpected id format: %s", id)
}

func TestNewIDUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID(now)
		assert.False(t, seen[id], "duplicate id: %s", id)
		seen[id] = true
	}
}

func TestNewIDSortableByTime(t *testing.T) {
	earlier := NewID(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	later := NewID(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.Less(t, earlier[:18], later[:18])
}

func TestDeriveContext(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/home/user/MyProject", "myproject"},
		{"/tmp/svc-user_api/", "svcuserapi"},
		{"/srv/Shop2.Backend", "shop2backend"},
		{"C:.", "c"},
		{"/!!!", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DeriveContext(c.path), "path %q", c.path)
	}
}
