package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botvip/internal/models"
)

func TestParseEpoch(t *testing.T) {
	v, err := parseEpoch("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), v)

	v, err = parseEpoch("2023-11-14T22:13:20Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), v)

	v, err = parseEpoch("2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC).Unix(), v)

	_, err = parseEpoch("next week")
	assert.Error(t, err)
}

func TestPrintTable(t *testing.T) {
	end := int64(1_700_000_000)
	records := []models.Subscriber{
		{UserID: "1", ActiveSubscriptionRef: "sub_1", PaymentCustomerRef: "cus_1", PeriodEnd: &end},
		{UserID: "2", PlanRef: "price_life"},
	}

	var buf bytes.Buffer
	require.NoError(t, printTable(&buf, records, time.Unix(end+10, 0)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "USER"))
	assert.Contains(t, lines[1], "false")
	assert.Contains(t, lines[1], "sub_1")
	assert.Contains(t, lines[2], "true")
	assert.Contains(t, lines[2], "never")
}
