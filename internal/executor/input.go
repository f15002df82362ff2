package executor

import (
	"context"
	"fmt"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/llm"
)

// input is the image side of a model request.
type input struct {
	parts []llm.ContentPart
	texts []llm.PageText
	// offsets maps a stored image id to the index of its first part. A PDF
	// occupies one index per rendered page.
	offsets map[string]int
}

func (e *Executor) buildInput(ctx context.Context, images []entity.Image) (*input, error) {
	in := &input{offsets: make(map[string]int, len(images))}
	for _, img := range images {
		data, err := e.readImage(ctx, img)
		if err != nil {
			return nil, err
		}
		in.offsets[img.ID] = len(in.parts)

		if !constants.IsPDF(img.MimeType, img.FileName) {
			in.parts = append(in.parts, llm.ImagePart(llm.DataURL(img.MimeType, img.FileName, data)))
			continue
		}
		if e.deps.Converter == nil {
			return nil, common.ContractError(fmt.Sprintf("image %s is a PDF but no converter is configured", img.ID), nil)
		}
		pages, err := e.deps.Converter.Convert(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", img.FileName, err)
		}
		for _, pg := range pages {
			idx := len(in.parts)
			in.parts = append(in.parts, llm.ImagePart(llm.DataURL(pg.MimeType, "", pg.Image)))
			if pg.Text != "" {
				in.texts = append(in.texts, llm.PageText{ImageIndex: idx, Page: pg.PageNumber, Text: pg.Text})
			}
		}
		e.logger.Debug("executor.pdf.converted", "image_id", img.ID, "pages", len(pages))
	}
	return in, nil
}

// imageOffsets computes the same offsets as buildInput without reading image
// bytes, except for PDFs whose page count is only known after conversion.
func (e *Executor) imageOffsets(ctx context.Context, images []entity.Image) (map[string]int, error) {
	offsets := make(map[string]int, len(images))
	next := 0
	for _, img := range images {
		offsets[img.ID] = next
		if !constants.IsPDF(img.MimeType, img.FileName) || e.deps.Converter == nil {
			next++
			continue
		}
		data, err := e.readImage(ctx, img)
		if err != nil {
			return nil, err
		}
		pages, err := e.deps.Converter.Convert(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", img.FileName, err)
		}
		next += len(pages)
	}
	return offsets, nil
}

func (e *Executor) readImage(ctx context.Context, img entity.Image) ([]byte, error) {
	data, err := e.deps.Blobs.Read(ctx, img.StoragePath)
	if err != nil {
		if common.IsNotFound(err) {
			return nil, common.ContractError(fmt.Sprintf("image %s has no stored file", img.ID), err)
		}
		return nil, fmt.Errorf("read image %s: %w", img.ID, err)
	}
	return data, nil
}
