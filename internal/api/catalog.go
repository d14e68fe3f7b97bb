package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agentic-gateway/internal/auth"
	"github.com/hatemosphere/agentic-gateway/internal/settlement"
	"github.com/hatemosphere/agentic-gateway/internal/storage"
)

func (s *Server) registerCatalog(api huma.API) {
	huma.Register(api, signed(huma.Operation{
		OperationID: "listProducts",
		Method:      http.MethodGet,
		Path:        "/agent-commerce/v1/catalog/products",
		Tags:        []string{"Catalog"},
	}, auth.SchemeHeader, scopeCatalogRead), func(ctx context.Context, input *ListProductsInput) (*ListProductsOutput, error) {
		products, err := s.store.ListProducts(ctx, input.PerPage, (input.Page-1)*input.PerPage)
		if err != nil {
			return nil, internalError(err)
		}
		out := &ListProductsOutput{}
		out.Body.Data = make([]ProductSummary, 0, len(products))
		for i := range products {
			out.Body.Data = append(out.Body.Data, productSummary(&products[i]))
		}
		out.Body.Meta = responseMeta(ctx)
		out.Body.Meta.Page = input.Page
		out.Body.Meta.PerPage = input.PerPage
		return out, nil
	})

	huma.Register(api, signed(huma.Operation{
		OperationID: "getProduct",
		Method:      http.MethodGet,
		Path:        "/agent-commerce/v1/catalog/products/{productID}",
		Tags:        []string{"Catalog"},
		Errors:      []int{400, 404},
	}, auth.SchemeHeader, scopeCatalogRead), func(ctx context.Context, input *GetProductInput) (*GetProductOutput, error) {
		id, err := parseProductID(input.ID)
		if err != nil {
			return nil, newAgentError(http.StatusBadRequest, "invalid_product_id", "Invalid product id format",
				map[string]any{"received": input.ID})
		}
		p, err := s.store.GetProduct(ctx, id)
		if err != nil {
			return nil, internalError(err)
		}
		if p == nil {
			return nil, newAgentError(http.StatusNotFound, "product_not_found", "Product not found",
				map[string]any{"id": input.ID})
		}
		out := &GetProductOutput{}
		out.Body.Data = productSummary(p)
		out.Body.Meta = responseMeta(ctx)
		return out, nil
	})
}

func (s *Server) registerAdminCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createProduct",
		Method:        http.MethodPost,
		Path:          "/api/admin/products",
		Tags:          []string{"Admin"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateProductInput) (*CreateProductOutput, error) {
		p := &storage.Product{
			Name:        input.Body.Name,
			SKU:         input.Body.SKU,
			Description: input.Body.Description,
			Price:       settlement.MinorUnits(input.Body.Price),
			Currency:    input.Body.Currency,
			StockStatus: input.Body.StockStatus,
		}
		if err := s.store.CreateProduct(ctx, p); err != nil {
			return nil, internalError(err)
		}
		return &CreateProductOutput{Body: productSummary(p)}, nil
	})
}

func productSummary(p *storage.Product) ProductSummary {
	return ProductSummary{
		ID:      formatProductID(p.ID),
		Title:   p.Name,
		SKU:     p.SKU,
		Price:   Money{Amount: settlement.MajorUnits(p.Price), Currency: p.Currency},
		InStock: p.StockStatus != "outofstock",
	}
}

func responseMeta(ctx context.Context) ResponseMeta {
	return ResponseMeta{
		RequestID: RequestIDFromContext(ctx),
		Timestamp: time.Now().Unix(),
	}
}
