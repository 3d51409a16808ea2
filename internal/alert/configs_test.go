package alert

import (
	"context"
	"testing"

	"alertengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	d, err := parseDefaults(defaultsYAML)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Version)
	require.Len(t, d.Defaults, 6)

	_, err = parseDefaults([]byte("version: 1\ndefaults:\n  - alert_type: bogus\n"))
	assert.ErrorIs(t, err, ErrInvalidAlertType)
}

func TestGetConfigsDefaults(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	res, err := engine.GetConfigs(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, res.IsDefault)
	require.Len(t, res.Defaults, 6)
	assert.Empty(t, res.Configs)

	byType := map[string]DefaultConfig{}
	for _, c := range res.Defaults {
		byType[c.AlertType] = c
	}
	stockLow := byType[string(TypeStockLow)]
	require.NotNil(t, stockLow.ThresholdValue)
	assert.Equal(t, 10.0, *stockLow.ThresholdValue)
	assert.Equal(t, []string{"push", "email"}, stockLow.Channels)
	assert.Equal(t, 7, stockLow.Priority)
	assert.True(t, stockLow.IsEnabled)

	price := byType[string(TypePriceChange)]
	require.NotNil(t, price.ThresholdPercent)
	assert.Equal(t, 5.0, *price.ThresholdPercent)
	assert.Equal(t, 4, byType[string(TypeWinningProduct)].Priority)

	body, err := Flatten(res)
	require.NoError(t, err)
	assert.Equal(t, true, body["isDefault"])
	rows := body["configs"].([]interface{})
	require.Len(t, rows, 6)
	for _, r := range rows {
		row := r.(map[string]interface{})
		assert.NotContains(t, row, "id")
		assert.NotContains(t, row, "user_id")
		assert.NotContains(t, row, "created_at")
		assert.NotContains(t, row, "updated_at")
		assert.Equal(t, true, row["is_enabled"])
		assert.Contains(t, row, "channels")
		assert.Contains(t, row, "priority")
	}
}

func TestCreateConfigUpserts(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.CreateConfig(ctx, testUser, ConfigInput{AlertType: string(TypeDeliveryDelay)})
	require.NoError(t, err)
	assert.True(t, first.Config.IsEnabled)
	assert.Equal(t, models.StringList{"push"}, first.Config.Channels)
	assert.Equal(t, 5, first.Config.Priority)

	two := 2.0
	prio := 8
	second, err := engine.CreateConfig(ctx, testUser, ConfigInput{
		AlertType:      string(TypeDeliveryDelay),
		ThresholdValue: &two,
		Channels:       []string{"email"},
		Priority:       &prio,
	})
	require.NoError(t, err)
	assert.Equal(t, first.Config.ID, second.Config.ID)
	require.NotNil(t, second.Config.ThresholdValue)
	assert.Equal(t, 2.0, *second.Config.ThresholdValue)
	assert.Equal(t, models.StringList{"email"}, second.Config.Channels)
	assert.Equal(t, 8, second.Config.Priority)

	var n int64
	require.NoError(t, db.Model(&models.AlertConfiguration{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	res, err := engine.GetConfigs(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, res.IsDefault)
	assert.Len(t, res.Configs, 1)

	_, err = engine.CreateConfig(ctx, testUser, ConfigInput{AlertType: "nope"})
	assert.ErrorIs(t, err, ErrInvalidAlertType)
}

func TestUpdateConfig(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.CreateConfig(ctx, testUser, ConfigInput{AlertType: string(TypeStockLow)})
	require.NoError(t, err)

	off := false
	seven := 7.0
	updated, err := engine.UpdateConfig(ctx, testUser, ConfigInput{
		ID:             created.Config.ID,
		IsEnabled:      &off,
		ThresholdValue: &seven,
		Conditions:     map[string]interface{}{"category": "lighting"},
	})
	require.NoError(t, err)
	assert.False(t, updated.Config.IsEnabled)
	assert.Equal(t, 7.0, *updated.Config.ThresholdValue)
	assert.Equal(t, models.StringList{"push"}, updated.Config.Channels, "channels untouched")

	_, err = engine.UpdateConfig(ctx, "user-2", ConfigInput{ID: created.Config.ID, IsEnabled: &off})
	assert.ErrorIs(t, err, ErrConfigNotFound, "configs are scoped to their owner")

	_, err = engine.UpdateConfig(ctx, testUser, ConfigInput{ID: "missing"})
	assert.ErrorIs(t, err, ErrConfigNotFound)
}
