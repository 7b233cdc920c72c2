package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var locationColumns = []string{
	"location_id", "device_id", "display_location", "location_number", "quadrant",
	"container_id", "drawer_name", "drawer_level", "is_disabled",
}

func TestGetLocationByDisplay_Success(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(locationColumns).
		AddRow(int64(31), int64(3), "A-12", 12, nil, int64(5), "A", 2, false)
	mock.ExpectQuery(`FROM locations l\s+LEFT JOIN containers ct`).
		WithArgs(int64(3), "A-12").
		WillReturnRows(rows)

	l, err := repo.GetLocationByDisplay(context.Background(), 3, "A-12")
	require.NoError(t, err)
	assert.Equal(t, int64(31), l.LocationID)
	assert.Equal(t, 12, l.LocationNumber)
	assert.Nil(t, l.Quadrant)
	require.NotNil(t, l.ContainerID)
	assert.Equal(t, int64(5), *l.ContainerID)
	require.NotNil(t, l.DrawerLevel)
	assert.Equal(t, 2, *l.DrawerLevel)
	assert.Equal(t, "A", l.ContainerName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLocationByNumber_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`WHERE l.device_id = \$1 AND l.location_number = \$2`).
		WithArgs(int64(3), 99).
		WillReturnRows(sqlmock.NewRows(locationColumns))

	_, err := repo.GetLocationByNumber(context.Background(), 3, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockLocation_UsesRowLock(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`FOR UPDATE OF l`).
		WithArgs(int64(31)).
		WillReturnRows(sqlmock.NewRows(locationColumns).
			AddRow(int64(31), int64(3), "A-12", 12, 1, nil, "", nil, true))

	l, err := repo.LockLocation(context.Background(), 31)
	require.NoError(t, err)
	assert.True(t, l.IsDisabled)
	assert.Nil(t, l.ContainerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsLocationEmpty(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT l.is_disabled = FALSE AND NOT EXISTS`).
		WithArgs(int64(40), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"empty"}).AddRow(true))

	empty, err := repo.IsLocationEmpty(context.Background(), 40, 7)
	require.NoError(t, err)
	assert.True(t, empty)

	mock.ExpectQuery(`SELECT l.is_disabled = FALSE AND NOT EXISTS`).
		WithArgs(int64(41), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"empty"}))

	_, err = repo.IsLocationEmpty(context.Background(), 41, 7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindEmptyCartLocation(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	level := 1
	mock.ExpectQuery(`SELECT l.location_id\s+FROM locations l`).
		WithArgs(int64(20), int64(1), "{100,101}").
		WillReturnRows(sqlmock.NewRows([]string{"location_id"}).AddRow(int64(102)))

	id, err := repo.FindEmptyCartLocation(context.Background(), 20, &level, []int64{100, 101})
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(102), *id)

	// 不限层、没有空位
	mock.ExpectQuery(`SELECT l.location_id\s+FROM locations l`).
		WithArgs(int64(20), nil, "{}").
		WillReturnRows(sqlmock.NewRows([]string{"location_id"}))

	id, err = repo.FindEmptyCartLocation(context.Background(), 20, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetLocationDisabled_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE locations SET is_disabled`).
		WithArgs(false, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetLocationDisabled(context.Background(), 5, false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
