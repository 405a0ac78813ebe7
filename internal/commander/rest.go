package commander

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"speakeasy/internal/apperr"
	"speakeasy/internal/blob"
	"speakeasy/internal/metrics"
	"speakeasy/internal/model"
)

// REST is the echo binding for Operations, one of the three equivalent
// surfaces spec §4.6 requires. Routes live under /v1, matching the
// spec's "request/response HTTP-shaped surface under /v1/...".
// Wiring style (Recover, slog request logging) follows teacher's
// internal/httpapi.Server.
type REST struct {
	echo *echo.Echo
	ops  *Operations
	rl   *Limiter
}

// NewREST builds the Echo application bound to ops.
func NewREST(ops *Operations, rl *Limiter) *REST {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	r := &REST{echo: e, ops: ops, rl: rl}
	r.registerRoutes()
	return r
}

func (r *REST) Echo() *echo.Echo { return r.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			dur := time.Since(start)
			metrics.Default().RESTRequestDuration.Record(c.Request().Context(), dur.Seconds())
			slog.Info("commander http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", dur.Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// expensiveOps names the operations spec §4.6 singles out for a
// tighter rate budget: log export and file listings.
var expensiveOps = map[string]bool{
	"log.list":  true,
	"file.list": true,
}

// authAndLimit resolves the bearer API token and enforces the
// two-bucket rate limit before the handler runs. A request without a
// token is rate-limited by IP alone (so an anonymous flood can't bypass
// the budget) and then rejected as unauthenticated.
func (r *REST) authAndLimit(opName string) echo.MiddlewareFunc {
	expensive := expensiveOps[opName]
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			var tokenPrefix string
			wire := bearerToken(c)
			if wire != "" {
				tok, err := r.ops.AuthenticateAPIToken(ctx, wire)
				if err != nil {
					return writeErr(c, err)
				}
				tokenPrefix = tok.Prefix
				c.Set("api_token", tok)
			}
			if !r.rl.Allow(c.RealIP(), tokenPrefix, expensive) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if wire == "" {
				return writeErr(c, apperr.New("commander.authenticate", apperr.Unauthenticated, nil))
			}
			metrics.Default().RecordCommanderOperation(ctx, opName, "attempted")
			err := next(c)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.Default().RecordCommanderOperation(ctx, opName, outcome)
			return err
		}
	}
}

func bearerToken(c echo.Context) string {
	const prefix = "Bearer "
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (r *REST) registerRoutes() {
	g := r.echo.Group("/v1")

	g.GET("/server", r.handleServerInfo, r.authAndLimit("server.info"))
	g.PUT("/server/settings/:key", r.handleEditServer, r.authAndLimit("server.edit"))

	g.GET("/channels", r.handleListChannels, r.authAndLimit("channel.list"))
	g.POST("/channels", r.handleCreateChannel, r.authAndLimit("channel.create"))
	g.PUT("/channels/:id", r.handleEditChannel, r.authAndLimit("channel.edit"))
	g.DELETE("/channels/:id", r.handleDeleteChannel, r.authAndLimit("channel.delete"))

	g.GET("/clients", r.handleListClients, r.authAndLimit("client.list"))
	g.POST("/clients/:id/kick", r.handleKickClient, r.authAndLimit("client.kick"))
	g.POST("/clients/:id/ban", r.handleBanClient, r.authAndLimit("client.ban"))
	g.POST("/clients/:id/move", r.handleMoveClient, r.authAndLimit("client.move"))
	g.POST("/clients/:id/poke", r.handlePokeClient, r.authAndLimit("client.poke"))

	g.GET("/permissions", r.handleListPermissions, r.authAndLimit("permission.list"))
	g.PUT("/permissions", r.handleSetPermission, r.authAndLimit("permission.add"))
	g.DELETE("/permissions", r.handleRemovePermission, r.authAndLimit("permission.remove"))

	g.GET("/files", r.handleListFiles, r.authAndLimit("file.list"))
	g.POST("/files", r.handleUploadFile, r.authAndLimit("file.upload"))
	g.GET("/files/:id/content", r.handleDownloadFile, r.authAndLimit("file.download"))
	g.DELETE("/files/:id", r.handleDeleteFile, r.authAndLimit("file.delete"))

	g.GET("/log", r.handleListLog, r.authAndLimit("log.list"))

	g.GET("/plugins", r.handleListPlugins, r.authAndLimit("plugin.list"))
	g.POST("/plugins/install", r.handleInstallPlugin, r.authAndLimit("plugin.install"))
	g.POST("/plugins/:name/enable", r.handleEnablePlugin, r.authAndLimit("plugin.enable"))
	g.POST("/plugins/:name/disable", r.handleDisablePlugin, r.authAndLimit("plugin.disable"))
}

// writeErr maps an apperr.Kind to the REST status ranges spec §6
// requires (2xx/4xx/5xx) with a stable error.code plus message.
func writeErr(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.BadRequest:
		status = http.StatusBadRequest
	case apperr.Unauthenticated:
		status = http.StatusUnauthorized
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Unavailable, apperr.Timeout:
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, echo.Map{
		"error": echo.Map{
			"code":    string(kind),
			"message": err.Error(),
		},
	})
}

func parseUUIDParam(c echo.Context, name string) (uuid.UUID, error) {
	return uuid.Parse(c.Param(name))
}

func (r *REST) handleServerInfo(c echo.Context) error {
	info, err := r.ops.ServerInfo(c.Request().Context())
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (r *REST) handleEditServer(c echo.Context) error {
	var body struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return writeErr(c, apperr.New("commander.edit_server", apperr.BadRequest, err))
	}
	if err := r.ops.EditServer(c.Request().Context(), c.Param("key"), body.Value); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handleListChannels(c echo.Context) error {
	chans, err := r.ops.ListChannels(c.Request().Context())
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, chans)
}

func (r *REST) handleCreateChannel(c echo.Context) error {
	var ch model.Channel
	if err := c.Bind(&ch); err != nil {
		return writeErr(c, apperr.New("commander.create_channel", apperr.BadRequest, err))
	}
	if err := r.ops.CreateChannel(c.Request().Context(), &ch); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, ch)
}

func (r *REST) handleEditChannel(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return writeErr(c, apperr.New("commander.edit_channel", apperr.BadRequest, err))
	}
	var ch model.Channel
	if err := c.Bind(&ch); err != nil {
		return writeErr(c, apperr.New("commander.edit_channel", apperr.BadRequest, err))
	}
	ch.ID = id
	if err := r.ops.EditChannel(c.Request().Context(), &ch); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, ch)
}

func (r *REST) handleDeleteChannel(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return writeErr(c, apperr.New("commander.delete_channel", apperr.BadRequest, err))
	}
	if err := r.ops.DeleteChannel(c.Request().Context(), id); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handleListClients(c echo.Context) error {
	return c.JSON(http.StatusOK, r.ops.ListClients(c.Request().Context()))
}

func (r *REST) handleKickClient(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return writeErr(c, apperr.New("commander.kick", apperr.BadRequest, err))
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.Bind(&body)
	if err := r.ops.KickClient(c.Request().Context(), id, body.Reason); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handleBanClient(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return writeErr(c, apperr.New("commander.ban", apperr.BadRequest, err))
	}
	var body struct {
		IPOrCIDR  string     `json:"ip_or_cidr"`
		Reason    string     `json:"reason"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := c.Bind(&body); err != nil {
		return writeErr(c, apperr.New("commander.ban", apperr.BadRequest, err))
	}
	actor, _ := c.Get("api_token").(*model.APIToken)
	var actorID uuid.UUID
	if actor != nil {
		actorID = actor.CreatedBy
	}
	if err := r.ops.BanClient(c.Request().Context(), id, body.IPOrCIDR, body.Reason, body.ExpiresAt, actorID); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handleMoveClient(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return writeErr(c, apperr.New("commander.move", apperr.BadRequest, err))
	}
	var body struct {
		ChannelID uuid.UUID `json:"channel_id"`
	}
	if err := c.Bind(&body); err != nil {
		return writeErr(c, apperr.New("commander.move", apperr.BadRequest, err))
	}
	if err := r.ops.MoveClient(c.Request().Context(), id, body.ChannelID); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handlePokeClient(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return writeErr(c, apperr.New("commander.poke", apperr.BadRequest, err))
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&body); err != nil {
		return writeErr(c, apperr.New("commander.poke", apperr.BadRequest, err))
	}
	if err := r.ops.PokeClient(c.Request().Context(), id, body.Message); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handleListPermissions(c echo.Context) error {
	targetType := model.TargetType(c.QueryParam("target_type"))
	targetID, _ := uuid.Parse(c.QueryParam("target_id"))
	perms, err := r.ops.ListPermissions(c.Request().Context(), targetType, targetID)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, perms)
}

func (r *REST) handleSetPermission(c echo.Context) error {
	var p model.Permission
	if err := c.Bind(&p); err != nil {
		return writeErr(c, apperr.New("commander.set_permission", apperr.BadRequest, err))
	}
	if err := r.ops.SetPermission(c.Request().Context(), &p); err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (r *REST) handleRemovePermission(c echo.Context) error {
	targetType := model.TargetType(c.QueryParam("target_type"))
	targetID, err := uuid.Parse(c.QueryParam("target_id"))
	if err != nil {
		return writeErr(c, apperr.New("commander.remove_permission", apperr.BadRequest, err))
	}
	channelID, _ := uuid.Parse(c.QueryParam("channel_id"))
	key := c.QueryParam("key")
	if err := r.ops.RemovePermission(c.Request().Context(), targetType, targetID, channelID, key); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handleListFiles(c echo.Context) error {
	channelID, err := uuid.Parse(c.QueryParam("channel_id"))
	if err != nil {
		return writeErr(c, apperr.New("commander.list_files", apperr.BadRequest, err))
	}
	files, err := r.ops.ListFiles(c.Request().Context(), channelID)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, files)
}

func (r *REST) handleUploadFile(c echo.Context) error {
	channelID, err := uuid.Parse(c.FormValue("channel_id"))
	if err != nil {
		return writeErr(c, apperr.New("commander.upload_file", apperr.BadRequest, err))
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return writeErr(c, apperr.New("commander.upload_file", apperr.BadRequest, err))
	}
	opened, err := fh.Open()
	if err != nil {
		return writeErr(c, apperr.New("commander.upload_file", apperr.Internal, err))
	}
	defer opened.Close()

	var uploaderID uuid.UUID
	if tok, _ := c.Get("api_token").(*model.APIToken); tok != nil {
		uploaderID = tok.CreatedBy
	}

	file, err := r.ops.UploadFile(c.Request().Context(), blob.PutInput{
		ChannelID:      channelID,
		UploaderID:     uploaderID,
		Filename:       fh.Filename,
		MIME:           fh.Header.Get("Content-Type"),
		ExpectedSHA256: c.FormValue("sha256"),
		Reader:         opened,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, file)
}

func (r *REST) handleDownloadFile(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return writeErr(c, apperr.New("commander.download_file", apperr.BadRequest, err))
	}
	result, err := r.ops.OpenFile(c.Request().Context(), id)
	if err != nil {
		return writeErr(c, err)
	}
	defer result.File.Close()
	return c.Stream(http.StatusOK, result.Metadata.MIME, result.File)
}

func (r *REST) handleDeleteFile(c echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return writeErr(c, apperr.New("commander.delete_file", apperr.BadRequest, err))
	}
	if err := r.ops.DeleteFile(c.Request().Context(), id); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handleListLog(c echo.Context) error {
	limit := 100
	offset := 0
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).Int("offset", &offset).BindError(); err != nil {
		return writeErr(c, apperr.New("commander.list_log", apperr.BadRequest, err))
	}
	entries, err := r.ops.ListLog(c.Request().Context(), LogFilter{Limit: limit, Offset: offset})
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (r *REST) handleListPlugins(c echo.Context) error {
	return c.JSON(http.StatusOK, r.ops.ListPlugins(c.Request().Context()))
}

func (r *REST) handleInstallPlugin(c echo.Context) error {
	var body struct {
		ManifestPath    string `json:"manifest_path"`
		ConfirmUnsigned bool   `json:"confirm_unsigned"`
	}
	if err := c.Bind(&body); err != nil {
		return writeErr(c, apperr.New("commander.install_plugin", apperr.BadRequest, err))
	}
	actor := "commander"
	if tok, _ := c.Get("api_token").(*model.APIToken); tok != nil {
		actor = tok.Prefix
	}
	inst, err := r.ops.InstallPlugin(c.Request().Context(), actor, body.ManifestPath, body.ConfirmUnsigned)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"name": inst.Manifest.Name, "state": inst.State()})
}

func (r *REST) handleEnablePlugin(c echo.Context) error {
	if err := r.ops.EnablePlugin(c.Param("name")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *REST) handleDisablePlugin(c echo.Context) error {
	if err := r.ops.DisablePlugin(c.Param("name")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
