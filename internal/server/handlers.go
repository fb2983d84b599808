package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerrors "vecagent/pkg/errors"
)

func (s *Server) handleHealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	res, err := s.agent.Search(ctx, req.Vector, req.topK(), req.Epsilon, req.radius())
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Results: res}, nil
}

func (s *Server) handleSearch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
		res, err := s.search(c.Request.Context(), req)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handleSearchByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SearchByIDRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
		vec, res, err := s.agent.SearchByID(c.Request.Context(), req.ID, req.topK(), req.Epsilon, req.radius())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, SearchResponse{Vector: vec, Results: res})
	}
}

func (s *Server) getObject(ctx context.Context, uuid string) (*ObjectResponse, error) {
	obj, err := s.agent.GetObject(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return &ObjectResponse{ID: uuid, Vector: obj.Vector, Timestamp: obj.Timestamp}, nil
}

func (s *Server) handleGetObject() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := s.getObject(c.Request.Context(), c.Param("uuid"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handleExists() gin.HandlerFunc {
	return func(c *gin.Context) {
		uuid := c.Param("uuid")
		oid, ok := s.agent.Exists(c.Request.Context(), uuid)
		if !ok {
			abortWithError(c, pkgerrors.NewUUIDError(uuid, pkgerrors.ErrUUIDNotFound))
			return
		}
		c.JSON(http.StatusOK, ExistsResponse{ID: uuid, OID: oid})
	}
}

type writeFunc func(ctx context.Context, uuid string, vec []float32) error

func (s *Server) handleWrite(write writeFunc, status int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ObjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
		if err := write(c.Request.Context(), req.ID, req.Vector); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(status, ObjectLocation{ID: req.ID})
	}
}

func (s *Server) handleInsert() gin.HandlerFunc {
	return s.handleWrite(s.agent.Insert, http.StatusCreated)
}

func (s *Server) handleUpdate() gin.HandlerFunc {
	return s.handleWrite(s.agent.Update, http.StatusOK)
}

func (s *Server) handleUpsert() gin.HandlerFunc {
	return s.handleWrite(s.agent.Upsert, http.StatusOK)
}

func (s *Server) handleRemove() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RemoveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
		if err := s.agent.Remove(c.Request.Context(), req.ID); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, ObjectLocation{ID: req.ID})
	}
}

type multiWriteFunc func(ctx context.Context, vecs map[string][]float32) error

func (s *Server) handleMultiWrite(write multiWriteFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MultiObjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
		if len(req.IDs) != len(req.Vectors) {
			abortWithError(c, fmt.Errorf("%w: %d ids, %d vectors", pkgerrors.ErrMisMatchKeysAndValues, len(req.IDs), len(req.Vectors)))
			return
		}
		vecs := make(map[string][]float32, len(req.IDs))
		for i, id := range req.IDs {
			vecs[id] = req.Vectors[i]
		}
		if err := write(c.Request.Context(), vecs); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleMultiInsert() gin.HandlerFunc {
	return s.handleMultiWrite(s.agent.MultiInsert)
}

func (s *Server) handleMultiUpdate() gin.HandlerFunc {
	return s.handleMultiWrite(s.agent.MultiUpdate)
}

func (s *Server) handleMultiUpsert() gin.HandlerFunc {
	return s.handleMultiWrite(s.agent.MultiUpsert)
}

func (s *Server) handleMultiRemove() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MultiRemoveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
		if err := s.agent.MultiRemove(c.Request.Context(), req.IDs); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleLifecycle(op func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context()); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, s.agent.IndexInfo())
	}
}

func (s *Server) handleCreateIndex() gin.HandlerFunc {
	return s.handleLifecycle(s.agent.CreateIndex)
}

func (s *Server) handleSaveIndex() gin.HandlerFunc {
	return s.handleLifecycle(s.agent.SaveIndex)
}

func (s *Server) handleCreateAndSaveIndex() gin.HandlerFunc {
	return s.handleLifecycle(s.agent.CreateAndSaveIndex)
}

func (s *Server) handleFlush() gin.HandlerFunc {
	return s.handleLifecycle(s.agent.RegenerateIndexes)
}

func (s *Server) handleIndexInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.agent.IndexInfo())
	}
}
