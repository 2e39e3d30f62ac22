/*
Copyright 2024 Fern Health Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/fernhealth/fernbill"
	"github.com/fernhealth/fernbill/api/middleware"
	"github.com/fernhealth/fernbill/config"
)

type Api struct {
	fern   *fernbill.Fernbill
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/bills", a.CreateBill)
	router.GET("/bills", a.GetBillsByProcedure)
	router.GET("/bills/:id", a.GetBill)
	router.GET("/bills/:id/records", a.GetProcessingRecords)
	router.POST("/bills/:id/submit", a.SubmitBill)
	router.POST("/bills/:id/cancel", a.CancelBill)
	router.POST("/bills/:id/refund", a.RefundBill)

	router.POST("/webhooks/payments", a.GatewayWebhook)
	return a.router
}

func NewAPI(f *fernbill.Fernbill) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{fern: f, router: r}
}
