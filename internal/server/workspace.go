package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	workspacedomain "github.com/opsboard/opsboard/internal/workspace/domain"
	"github.com/opsboard/opsboard/pkg/db/option"
	"github.com/opsboard/opsboard/pkg/db/pagination"
)

type listWorkspacesResponse struct {
	Workspaces []*workspacedomain.Workspace `json:"workspaces"`
	PageInfo   pagination.PageInfo          `json:"page_info"`
}

func (s *Server) listWorkspaces(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	size := page.PageSize
	if size <= 0 {
		size = 50
	}

	rows, err := s.workspaces.Find(c.Request.Context(), &workspacedomain.Workspace{},
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true}),
		option.ApplyPagination(page),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(size), func(w *workspacedomain.Workspace) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        w.ID.String(),
			CreatedAt: w.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})
	if len(rows) > size {
		rows = rows[:size]
	}

	c.JSON(http.StatusOK, listWorkspacesResponse{Workspaces: rows, PageInfo: *pageInfo})
}

func (s *Server) getWorkspace(c *gin.Context) {
	id := parseSnowflake(c.Param("workspace_id"))
	if id == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	workspace, err := s.workspaces.FindOne(c.Request.Context(), &workspacedomain.Workspace{ID: id})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if workspace == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, workspace)
}

type listProjectsResponse struct {
	Projects []*workspacedomain.Project `json:"projects"`
}

func (s *Server) listProjects(c *gin.Context) {
	workspaceID := parseSnowflake(c.Param("workspace_id"))
	if workspaceID == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	rows, err := s.projects.Find(c.Request.Context(), &workspacedomain.Project{WorkspaceID: workspaceID},
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true}),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, listProjectsResponse{Projects: rows})
}

type storageAverageResponse struct {
	WorkspaceID string  `json:"workspace_id"`
	Period      string  `json:"period"`
	StorageGB   float64 `json:"storage_gb_avg"`
}

// storageAverage reports the month's time-weighted storage for a workspace.
func (s *Server) storageAverage(c *gin.Context) {
	workspaceID := parseSnowflake(c.Param("workspace_id"))
	if workspaceID == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ref := s.clock.Now().UTC()
	if raw := c.Query("month"); raw != "" {
		parsed, err := time.Parse("2006-01", raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		ref = parsed
	}

	avg, err := s.snapshotter.TimeWeightedAverage(c.Request.Context(), workspaceID, ref)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, storageAverageResponse{
		WorkspaceID: workspaceID.String(),
		Period:      ref.Format("2006-01"),
		StorageGB:   avg,
	})
}
