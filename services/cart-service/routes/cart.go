package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/yashrajoria/cart-sync/services/cart-service/controllers"
)

func RegisterCartRoutes(r *gin.Engine, cart *controllers.CartController) {
	api := r.Group("/cart")
	{
		api.GET("", cart.GetCart)
		api.POST("", cart.SaveCart)
		api.DELETE("", cart.DeleteCart)

		api.POST("/items", cart.AddItem)
		api.PUT("/items/:product_id", cart.UpdateQuantity)
		api.DELETE("/items/:product_id", cart.RemoveItem)
	}
}

func RegisterRealtimeRoutes(r *gin.Engine, rt *controllers.RealtimeController) {
	r.GET("/ws", rt.Connect)
	r.GET("/health", rt.Health)
}
