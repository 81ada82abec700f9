package intake_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/intake"
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"bitbucket.org/mmdatafocus/intake_backend/workflow"
	"cloud.google.com/go/storage"
	"github.com/shopspring/decimal"
)

func TestInboundDedupAndParseLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	gcsName, gcsPort := startFakeGCSContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(gcsName) })

	// Wire env for config.Connect* helpers and the storage client.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "intake_test")
	t.Setenv("STORAGE_EMULATOR_HOST", fmt.Sprintf("127.0.0.1:%s", gcsPort))
	t.Setenv("GCS_BUCKET", "intake-test")
	// Drafts must stay in pending_review after parsing.
	t.Setenv("AUTO_POST_ENABLED", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		t.Fatalf("storage client: %v", err)
	}
	defer gcsClient.Close()
	if err := gcsClient.Bucket("intake-test").Create(ctx, "test-project", nil); err != nil {
		t.Fatalf("create bucket: %v", err)
	}

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Intake Co",
		Email: "owner@intake.test",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	businessID := biz.ID.String()

	raw := []byte(fmt.Sprintf(`{
		"MessageID": "msg-dedup-1",
		"MailboxHash": %q,
		"Subject": "Invoice 1001",
		"Date": "Mon, 2 Mar 2026 10:00:00 +0000",
		"FromFull": {"Email": "billing@acme-produce.example", "Name": "Acme Produce"},
		"TextBody": "Vendor: Acme Produce\nDate: 2026-03-01\nTotal: 42.50"
	}`, biz.InboundMailToken))

	// First delivery creates the draft.
	doc, err := intake.ParsePostmarkPayload(raw)
	if err != nil {
		t.Fatalf("ParsePostmarkPayload: %v", err)
	}
	first, err := intake.IngestInbound(ctx, doc)
	if err != nil {
		t.Fatalf("IngestInbound: %v", err)
	}
	if !first.Received || first.Duplicate || first.DraftId == 0 {
		t.Fatalf("got %+v, want a received non-duplicate draft", first)
	}

	// A byte-identical provider retry must not create a second draft and
	// must point at the first one.
	docRetry, err := intake.ParsePostmarkPayload(raw)
	if err != nil {
		t.Fatalf("ParsePostmarkPayload: %v", err)
	}
	second, err := intake.IngestInbound(ctx, docRetry)
	if err != nil {
		t.Fatalf("IngestInbound retry: %v", err)
	}
	if !second.Received || !second.Duplicate {
		t.Fatalf("got %+v, want duplicate:true", second)
	}
	if second.DraftId != first.DraftId {
		t.Fatalf("got draft %d, want the original %d", second.DraftId, first.DraftId)
	}

	db := config.GetDB()
	var draftCount int64
	if err := db.WithContext(ctx).Model(&models.DocumentDraft{}).
		Where("business_id = ?", businessID).Count(&draftCount).Error; err != nil {
		t.Fatalf("count drafts: %v", err)
	}
	if draftCount != 1 {
		t.Fatalf("got %d drafts, want exactly 1", draftCount)
	}

	// Exactly one parse job was enqueued for the draft.
	var outbox models.ParseOutboxRecord
	if err := db.WithContext(ctx).
		Where("business_id = ? AND draft_id = ?", businessID, first.DraftId).
		First(&outbox).Error; err != nil {
		t.Fatalf("fetch outbox record: %v", err)
	}
	if outbox.PublishStatus != models.OutboxPublishPending {
		t.Fatalf("got publish status %s, want PENDING", outbox.PublishStatus)
	}

	// The draft passes through parsing before the worker transaction runs.
	if err := workflow.MarkDraftParsing(ctx, db, businessID, first.DraftId); err != nil {
		t.Fatalf("MarkDraftParsing: %v", err)
	}
	var draft models.DocumentDraft
	if err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessID, first.DraftId).
		First(&draft).Error; err != nil {
		t.Fatalf("fetch draft: %v", err)
	}
	if draft.Status != models.DraftStatusParsing {
		t.Fatalf("got status %s, want parsing", draft.Status)
	}

	msg := models.ConvertToParseJobMessage(outbox)
	if err := workflow.ProcessParseJob(ctx, db, config.GetLogger(), msg); err != nil {
		t.Fatalf("ProcessParseJob: %v", err)
	}

	if err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessID, first.DraftId).
		First(&draft).Error; err != nil {
		t.Fatalf("fetch parsed draft: %v", err)
	}
	if draft.Status != models.DraftStatusPendingReview {
		t.Fatalf("got status %s, want pending_review", draft.Status)
	}
	if draft.VendorName == nil || *draft.VendorName != "Acme Produce" {
		t.Fatalf("got vendor %v", draft.VendorName)
	}
	if draft.Total == nil || !draft.Total.Equal(decimal.RequireFromString("42.50")) {
		t.Fatalf("got total %v", draft.Total)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("intake-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("intake-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=intake_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
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
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func startFakeGCSContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("intake-test-gcs-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:4443",
		"fsouza/fake-gcs-server",
		"-scheme", "http", "-port", "4443",
	)
	if err != nil {
		t.Fatalf("start fake-gcs container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "4443/tcp")
	if err != nil {
		t.Fatalf("fake-gcs docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/storage/v1/b", port))
		if err == nil {
			resp.Body.Close()
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("fake-gcs did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
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
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
