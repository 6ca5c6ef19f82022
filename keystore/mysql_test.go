// +build mysql

package keystore

import (
	"flag"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

var dialmysql = flag.String("mysql", "/test", "Dial for mysql")

func TestMySQLIndex(t *testing.T) {
	idx, err := NewMySQL(*dialmysql)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	idx.db.Exec("DELETE FROM keystore")
	mock := clock.NewMock()
	mock.Add(time.Hour)
	idx.Clock = mock
	testIndex(t, idx, func() { mock.Add(time.Second) })

	idx, err = NewMySQL(*dialmysql)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	idx.db.Exec("DELETE FROM keystore")
	testIndexRace(t, idx)
}
