// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package notify

import (
	"testing"

	"farm.256lights.llc/pkg/internal/queuedb"
	"farm.256lights.llc/pkg/internal/scheduler"
	"github.com/google/go-cmp/cmp"
)

func TestArgs(t *testing.T) {
	tests := []struct {
		item scheduler.NotificationItem
		want []string
	}{
		{
			item: scheduler.NotificationItem{BuildID: 42},
			want: []string{"build-finished", "42"},
		},
		{
			item: scheduler.NotificationItem{BuildID: 7, DependentBuildIDs: []queuedb.BuildID{8, 9}},
			want: []string{"build-finished", "7", "8", "9"},
		},
	}
	for _, test := range tests {
		if diff := cmp.Diff(test.want, Args(test.item)); diff != "" {
			t.Errorf("Args(%+v) (-want +got):\n%s", test.item, diff)
		}
	}
}
