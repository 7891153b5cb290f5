package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/vendsync/catalog"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/internal/testutil"
	"github.com/mmdatafocus/vendsync/mappingstore"
	"github.com/mmdatafocus/vendsync/telemetry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Runs the ingestion and reconciliation path against real MySQL row locks and
// a redis lease.
func TestConnect_MySQLAndRedis(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })
	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", "127.0.0.1:"+redisPort)
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "vendsync_test")
	t.Setenv("VENDOR_API_BASE_URL", "")
	t.Setenv("GCS_BUCKET", "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	settings := config.DefaultSyncSettings()
	settings.LeaseBackend = config.LeaseBackendRedis
	e, closeAll, err := Connect(ctx, testutil.DiscardLogger(), settings, Options{Migrate: true})
	require.NoError(t, err)
	defer closeAll()
	require.NotNil(t, e.Cache)

	const biz = "biz-int"
	cola, err := e.Catalog.CreateItem(ctx, biz, catalog.NewItem{Name: "Cola", UnitPrice: decimal.NewFromInt(2), OpeningCount: 50})
	require.NoError(t, err)

	// concurrent manual sales serialize on the catalog row
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Sales.RecordManualSale(ctx, biz, cola.ID, 1, decimal.NewFromInt(2))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	item, err := e.Catalog.Get(ctx, biz, cola.ID)
	require.NoError(t, err)
	require.Equal(t, 30, item.InventoryCount)

	webhook := []byte(`{"machine_id":"M1","item_code":"A3","item_name":"Cola","quantity":2,"amount":400,"transaction_id":"tx-1","occurred_at":"2024-03-01T10:00:00Z"}`)
	ack, err := e.Webhooks.ProcessWebhook(ctx, biz, webhook)
	require.NoError(t, err)
	require.Equal(t, telemetry.AckUnresolved, ack.Status)

	ack, err = e.Webhooks.ProcessWebhook(ctx, biz, webhook)
	require.NoError(t, err)
	require.Equal(t, telemetry.AckDuplicate, ack.Status)

	code, err := mappingstore.FindCode(e.DB, biz, "M1", "A3")
	require.NoError(t, err)
	_, err = e.Mappings.CreateMapping(ctx, biz, mappingstore.NewMapping{
		CatalogItemId: cola.ID, MachineItemCodeId: code.ID, Confidence: 1, Confirmed: true,
	})
	require.NoError(t, err)

	summary, err := e.Scheduler.RunDailyBatchSync(ctx, biz)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Backfilled)

	item, err = e.Catalog.Get(ctx, biz, cola.ID)
	require.NoError(t, err)
	require.Equal(t, 28, item.InventoryCount)
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("vendsync-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun("run", "-d", "--name", name, "-p", "127.0.0.1:0:6379", "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("vendsync-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=vendsync_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
