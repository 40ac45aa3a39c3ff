package routes

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/babycare/shellcache/internal/assetcache"
	"github.com/babycare/shellcache/internal/manifest"
	"github.com/babycare/shellcache/internal/worker"
)

// RegisterLifecycleRoutes 暴露 /-/ 诊断与运维接口：查询 worker 状态、当前清单，
// 手动触发更新检查以及向 worker 发送页面消息。
// 只读接口对所有人开放；会改变状态的 POST 接口在配置 adminToken 时要求 Bearer 凭证，
// 未配置时只接受回环地址发起的请求。
func RegisterLifecycleRoutes(app *fiber.App, reg *worker.Registration, source manifest.Source, adminToken string) {
	if app == nil || reg == nil {
		return
	}
	guard := requireOperator(adminToken)

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{Registration: reg.Status()}
		if active := reg.Active(); active != nil {
			snapshot, err := active.Manager().Snapshot(requestContext(c))
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error":  "snapshot_failed",
					"detail": err.Error(),
				})
			}
			payload.Cache = &snapshot
		}
		return c.JSON(payload)
	})

	app.Get("/-/manifest", func(c fiber.Ctx) error {
		active := reg.Active()
		if active == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_active_worker"})
		}
		m := active.Manager().Manifest()
		return c.JSON(manifestPayload{
			Version:   m.Version(),
			Resources: m.Resources,
			Core:      m.Core,
		})
	})

	app.Post("/-/lifecycle/update", guard, func(c fiber.Ctx) error {
		if source == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "manifest_source_missing"})
		}
		updated, err := reg.Check(requestContext(c), source)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "update_failed",
				"detail": err.Error(),
				"status": reg.Status(),
			})
		}
		return c.JSON(fiber.Map{
			"updated": updated,
			"status":  reg.Status(),
		})
	})

	app.Post("/-/message", guard, func(c fiber.Ctx) error {
		data := strings.TrimSpace(string(c.Body()))
		if data == "" {
			data = strings.TrimSpace(c.Query("data"))
		}
		if data == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message_required"})
		}

		err := reg.PostMessage(requestContext(c), data)
		switch {
		case err == nil:
			return c.JSON(fiber.Map{"message": data, "status": reg.Status()})
		case errors.Is(err, assetcache.ErrUnknownMessage):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
		case errors.Is(err, worker.ErrNoActiveWorker):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_worker"})
		default:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "message_failed",
				"detail": err.Error(),
			})
		}
	})
}

type statusPayload struct {
	Registration worker.Status        `json:"registration"`
	Cache        *assetcache.Snapshot `json:"cache,omitempty"`
}

type manifestPayload struct {
	Version   string            `json:"version"`
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core"`
}

func requireOperator(token string) fiber.Handler {
	return func(c fiber.Ctx) error {
		switch operatorAllowed(c.IP(), c.Get(fiber.HeaderAuthorization), token) {
		case nil:
			return c.Next()
		case errAdminTokenRequired:
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "admin_token_required"})
		default:
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin_loopback_only"})
		}
	}
}

var (
	errAdminTokenRequired = errors.New("admin token required")
	errNotLoopback        = errors.New("operator routes are loopback only")
)

func operatorAllowed(remoteIP, authorization, token string) error {
	if token != "" {
		given, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(given)), []byte(token)) != 1 {
			return errAdminTokenRequired
		}
		return nil
	}
	if ip := net.ParseIP(remoteIP); ip != nil && ip.IsLoopback() {
		return nil
	}
	return errNotLoopback
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
