package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ao/litestack/internal/cloud"
	"github.com/ao/litestack/internal/servers"
	"github.com/ao/litestack/internal/storage"
	"github.com/ao/litestack/pkg/api"
)

// fail records err for ErrorHandler and stops the chain
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// bind decodes the JSON body, reporting malformed input as a bad request
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func (ws *WebServer) healthHandler(c *gin.Context) {
	health := api.Health{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	if ws.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := ws.health.Ping(ctx); err != nil {
			health.Status = "degraded"
			health.Checks["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			health.Checks["storage"] = "ok"
		}
	}

	c.JSON(status, health)
}

func (ws *WebServer) meHandler(c *gin.Context) {
	p := principal(c)
	c.JSON(http.StatusOK, api.User{ID: p.UserID, Email: p.Email, Superuser: p.Superuser})
}

func (ws *WebServer) createUserHandler(c *gin.Context) {
	if !principal(c).Superuser {
		fail(c, errForbidden)
		return
	}

	var req api.CreateUserRequest
	if !bind(c, &req) {
		return
	}

	user, token, err := ws.authenticator.CreateUser(c.Request.Context(), req.Email, req.Superuser)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, api.CreateUserResponse{User: toAPIUser(user), Token: token})
}

func (ws *WebServer) listServersHandler(c *gin.Context) {
	list, err := ws.serverManager.ListServers(c.Request.Context(), principal(c))
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]api.Server, 0, len(list))
	for _, s := range list {
		out = append(out, toAPIServer(s))
	}
	c.JSON(http.StatusOK, out)
}

func (ws *WebServer) createServerHandler(c *gin.Context) {
	var req api.CreateServerRequest
	if !bind(c, &req) {
		return
	}

	server, err := ws.serverManager.CreateServer(c.Request.Context(), principal(c), servers.CreateServerRequest{
		Name:          req.Name,
		Description:   req.Description,
		Configuration: req.Configuration,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, toAPIServer(server))
}

func (ws *WebServer) getServerHandler(c *gin.Context) {
	server, err := ws.serverManager.GetServer(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toAPIServer(server))
}

func (ws *WebServer) updateServerHandler(c *gin.Context) {
	var req api.UpdateServerRequest
	if !bind(c, &req) {
		return
	}

	server, err := ws.serverManager.UpdateServer(c.Request.Context(), principal(c), c.Param("id"), req.Name, req.Description)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toAPIServer(server))
}

func (ws *WebServer) deleteServerHandler(c *gin.Context) {
	if err := ws.serverManager.DeleteServer(c.Request.Context(), principal(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (ws *WebServer) setServerStateHandler(c *gin.Context) {
	var req api.StateRequest
	if !bind(c, &req) {
		return
	}

	err := ws.serverManager.SetServerState(c.Request.Context(), principal(c), c.Param("id"), cloud.StateAction(req.Action))
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (ws *WebServer) runCommandHandler(c *gin.Context) {
	var req api.CommandRequest
	if !bind(c, &req) {
		return
	}

	jobID, err := ws.serverManager.RunCommand(c.Request.Context(), principal(c), c.Param("id"), req.Command, req.Action)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, api.CommandResponse{JobID: jobID})
}

func (ws *WebServer) consoleHandler(c *gin.Context) {
	url, err := ws.serverManager.ConsoleURL(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, api.ConsoleResponse{URL: url})
}

func (ws *WebServer) listConfigurationsHandler(c *gin.Context) {
	list, err := ws.serverManager.ListConfigurations(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]api.Configuration, 0, len(list))
	for _, cfg := range list {
		out = append(out, toAPIConfiguration(cfg))
	}
	c.JSON(http.StatusOK, out)
}

func (ws *WebServer) getConfigurationHandler(c *gin.Context) {
	cfg, err := ws.serverManager.GetConfiguration(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toAPIConfiguration(cfg))
}

func (ws *WebServer) catalogHandler(c *gin.Context) {
	commands := ws.serverManager.Commands()
	out := make([]api.CatalogEntry, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, api.CatalogEntry{ID: cmd.ID, Description: cmd.Description, Tag: cmd.Tag})
	}
	c.JSON(http.StatusOK, out)
}

func (ws *WebServer) listImagesHandler(c *gin.Context) {
	images, err := ws.serverManager.ListImages(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]api.Image, 0, len(images))
	for _, img := range images {
		out = append(out, api.Image{ID: img.ID, Name: img.Name, Status: img.Status})
	}
	c.JSON(http.StatusOK, out)
}

func (ws *WebServer) listFlavorsHandler(c *gin.Context) {
	flavors, err := ws.serverManager.ListFlavors(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]api.Flavor, 0, len(flavors))
	for _, f := range flavors {
		out = append(out, api.Flavor{ID: f.ID, Name: f.Name, VCPUs: f.VCPUs, RAM: f.RAM, Disk: f.Disk})
	}
	c.JSON(http.StatusOK, out)
}

func (ws *WebServer) listNetworksHandler(c *gin.Context) {
	networks, err := ws.serverManager.ListNetworks(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]api.Network, 0, len(networks))
	for _, n := range networks {
		out = append(out, api.Network{ID: n.ID, Name: n.Name, External: n.External})
	}
	c.JSON(http.StatusOK, out)
}

func (ws *WebServer) limitsHandler(c *gin.Context) {
	limits, err := ws.serverManager.Limits(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, api.Limits(*limits))
}

func toAPIServer(s *servers.Server) api.Server {
	out := api.Server{
		InstanceID:    s.InstanceID,
		OwnerID:       s.OwnerID,
		Name:          s.Name,
		Description:   s.Description,
		Image:         s.Image,
		Flavor:        s.FlavorID,
		Status:        string(s.Status),
		Tags:          s.Tags,
		PublicAddress: s.PublicAddress,
		DefaultUser:   s.DefaultUser,
		Missing:       s.Missing,
		CreatedAt:     s.CreatedAt,
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}

	if len(s.Addresses) > 0 {
		out.Addresses = make(map[string][]api.Address, len(s.Addresses))
		for network, addrs := range s.Addresses {
			for _, a := range addrs {
				out.Addresses[network] = append(out.Addresses[network], api.Address(a))
			}
		}
	}
	return out
}

func toAPIConfiguration(cfg *storage.ServerConfiguration) api.Configuration {
	return api.Configuration{
		Name:        cfg.Name,
		Description: cfg.Description,
		Image:       cfg.Image,
		Flavor:      cfg.Flavor,
		Networks:    cfg.Networks,
	}
}

func toAPIUser(u *storage.User) api.User {
	return api.User{ID: u.ID, Email: u.Email, Superuser: u.Superuser, CreatedAt: u.CreatedAt}
}
